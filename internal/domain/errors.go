package domain

import "errors"

var (
	ErrNotFound          = errors.New("not found")
	ErrValidation        = errors.New("validation failed")
	ErrConflict          = errors.New("conflict")
	ErrInvalidTransition = errors.New("invalid transition")
	ErrCommentRequired   = errors.New("comment required")
	ErrRoleForbidden     = errors.New("role forbidden")
	ErrVersionConflict   = errors.New("version conflict")
	ErrLeaseLost         = errors.New("lease lost")
)
