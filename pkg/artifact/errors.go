package artifact

import "errors"

// invalidNameError signals a model name that cannot be used as a directory
// name under models/.
type invalidNameError struct{ name string }

func (e invalidNameError) Error() string { return "invalid model name: " + e.name }

// IsInvalidName reports whether err was caused by an unusable model name.
func IsInvalidName(err error) bool {
	var e invalidNameError
	return errors.As(err, &e)
}

// notFoundError is returned when no artifact exists under a name.
type notFoundError struct{ name string }

func (e notFoundError) Error() string { return "model not found: " + e.name }

// IsNotFound reports whether err indicates a missing artifact.
func IsNotFound(err error) bool {
	var e notFoundError
	return errors.As(err, &e)
}

// notAnArtifactError is returned when a saver produced, or a Dir points at, a
// directory without model.json.
type notAnArtifactError struct{ path string }

func (e notAnArtifactError) Error() string { return "no " + ManifestFile + " in " + e.path }

// IsNotAnArtifact reports whether err indicates a directory without model.json.
func IsNotAnArtifact(err error) bool {
	var e notAnArtifactError
	return errors.As(err, &e)
}
