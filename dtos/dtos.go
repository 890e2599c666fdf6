package dtos

import statemanager "pipeline-bootstrap/state_manager"

// BucketRef identifies the build bucket the stager ensured. It depends only on the
// bucket, so ensuring the same bucket again yields an equal value.
type BucketRef struct {
	Name   string `json:"name"`
	Region string `json:"region"`
}

// BundleSpec describes what the stager packages and where it puts it.
type BundleSpec struct {
	SourceDir string `json:"sourceDir"`
	Bucket    string `json:"bucket"`
	Key       string `json:"key"`
}

// ArtifactBundle is a staged zip. It is addressed by bucket and key; each run overwrites
// the object at the same key.
type ArtifactBundle struct {
	Bucket    string `json:"bucket"`
	Key       string `json:"key"`
	VersionID string `json:"versionId,omitempty"`
	Content   []byte `json:"-"`
}

// StackDescriptor is everything needed to create or update a stack.
type StackDescriptor struct {
	Name         string            `json:"name"`
	TemplateBody string            `json:"-"`
	Parameters   map[string]string `json:"parameters"`
	Capabilities []string          `json:"capabilities,omitempty"`
}

// StackHandle refers to a stack by name. StackID is filled once the stack is known to exist.
type StackHandle struct {
	Name    string `json:"name"`
	StackID string `json:"stackId,omitempty"`
}

// StackInfo is a single observation of a stack. It goes stale as soon as it is read.
type StackInfo struct {
	Name         string                  `json:"name"`
	StackID      string                  `json:"stackId,omitempty"`
	Status       statemanager.StackState `json:"status"`
	StatusReason string                  `json:"statusReason,omitempty"`
	Outputs      map[string]string       `json:"outputs,omitempty"`
}

// Handle returns a handle to the observed stack.
func (s StackInfo) Handle() StackHandle {
	return StackHandle{Name: s.Name, StackID: s.StackID}
}
