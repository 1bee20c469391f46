package model

import (
	"time"

	"github.com/google/uuid"
)

// SigningRequest carries the six form fields of /sign_app/.
type SigningRequest struct {
	P12URL     string
	ProfileURL string
	Password   string // never logged
	IPAURL     string
	AppName    string
	BundleID   string
}

type Status string

const (
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
)

// Signing is the audit record of one run of the signing pipeline.
type Signing struct {
	ID         uuid.UUID
	AppName    string
	BundleID   string
	Filename   string
	Status     Status
	Error      string
	StartedAt  time.Time
	FinishedAt time.Time
}
