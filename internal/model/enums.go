package model

// Illustration styles
type Style string

const (
	StyleWatercolor Style = "watercolor"
	StyleFlat       Style = "flat"
)

var ValidStyles = []Style{StyleWatercolor, StyleFlat}

// Input kinds for a workflow node
type InputKind string

const (
	InputText         InputKind = "text"
	InputImage        InputKind = "image"
	InputTextAndImage InputKind = "text_and_image"
)

// HasText reports whether the kind rewrites inputs.text.
func (k InputKind) HasText() bool {
	return k == InputText || k == InputTextAndImage
}

// HasImage reports whether the kind uploads a local image.
func (k InputKind) HasImage() bool {
	return k == InputImage || k == InputTextAndImage
}

// Instance status
type InstanceStatus string

const (
	InstanceProvisioning InstanceStatus = "provisioning"
	InstanceReady        InstanceStatus = "ready"
	InstanceUnreachable  InstanceStatus = "unreachable"
	InstanceStopped      InstanceStatus = "stopped"
)

// Attempt outcomes
type AttemptOutcome string

const (
	AttemptSuccess   AttemptOutcome = "success"
	AttemptRetryable AttemptOutcome = "retryable"
	AttemptFatal     AttemptOutcome = "fatal"
)

// Run status
type RunStatus string

const (
	RunStatusQueued    RunStatus = "queued"
	RunStatusRunning   RunStatus = "running"
	RunStatusSucceeded RunStatus = "succeeded"
	RunStatusFailed    RunStatus = "failed"
	RunStatusCanceled  RunStatus = "canceled"
)

// IsTerminal reports whether no further progress will be recorded.
func (s RunStatus) IsTerminal() bool {
	return s == RunStatusSucceeded || s == RunStatusFailed || s == RunStatusCanceled
}

// Billing plans
type BillingType string

const (
	BillingHobby BillingType = "hobby"
	BillingPro   BillingType = "pro"
)
