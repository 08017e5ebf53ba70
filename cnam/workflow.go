package cnam

import "github.com/warp/cnam-engine/generic"

// TotalSteps is the length of the bond workflow, shared by rental and sale bonds.
const TotalSteps = 7

// Bond workflow steps.
const (
	StepPendingApproval   = 1
	StepPatientAgreement  = 2
	StepDocumentsReceived = 3
	StepDevicePreparation = 4
	StepDeliveredToTech   = 5
	StepPrescriberSigned  = 6
	StepDeliveryCompleted = 7
)

var stepLabels = []string{
	"En attente d'approbation CNAM",
	"Accord avec le patient",
	"Documents d'approbation reçus",
	"Préparation de l'appareil",
	"Livré au technicien",
	"Signature du médecin prescripteur",
	"Livraison finale effectuée",
}

// StepLabel returns the canonical text of a step, or "" when out of range.
func StepLabel(step int) string {
	if step < 1 || step > len(stepLabels) {
		return ""
	}
	return stepLabels[step-1]
}

// NewBondWorkflow positions the 7-step bond workflow at step. Step 7 is
// terminal for display; a renewal is a new bond, never a reopening.
func NewBondWorkflow(step int) (generic.Workflow, error) {
	return generic.NewWorkflow(stepLabels, step)
}
