package state

import "fmt"

// Step tags where in the pipeline a failure happened.
type Step string

const (
	StepFileValidation      Step = "file_validation"
	StepMetadataPreparation Step = "metadata_preparation"
	StepDirectoryCreation   Step = "directory_creation"
	StepFormatConversion    Step = "format_conversion"
	StepBoundingBoxResize   Step = "bounding_box_resize"
	StepMetadataGeneration  Step = "metadata_generation"
	StepURLMapping          Step = "url_mapping"
	StepDatabaseUpdate      Step = "database_update"
	StepAttachmentUpdate    Step = "attachment_update"
	StepFileCleanup         Step = "file_cleanup"
	StepDimensionValidation Step = "dimension_validation"
)

var allSteps = []Step{
	StepFileValidation, StepMetadataPreparation, StepDirectoryCreation,
	StepFormatConversion, StepBoundingBoxResize, StepMetadataGeneration,
	StepURLMapping, StepDatabaseUpdate, StepAttachmentUpdate, StepFileCleanup,
	StepDimensionValidation,
}

// AllSteps returns the closed step vocabulary.
func AllSteps() []Step {
	return append([]Step(nil), allSteps...)
}

// Valid reports whether s is a member of the closed vocabulary.
func (s Step) Valid() bool {
	for _, v := range allSteps {
		if s == v {
			return true
		}
	}
	return false
}

// StepError is a pipeline failure: the step it happened in, the status to
// record for the attachment, and the cause.
type StepError struct {
	Step   Step
	Status Status
	Err    error
}

// Fail builds a StepError.
func Fail(step Step, status Status, err error) *StepError {
	return &StepError{Step: step, Status: status, Err: err}
}

func (e *StepError) Error() string {
	return fmt.Sprintf("%s: %v", e.Step, e.Err)
}

func (e *StepError) Unwrap() error {
	return e.Err
}
