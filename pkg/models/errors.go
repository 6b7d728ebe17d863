package models

import "errors"

// Domain errors returned by the store layer.
var (
	ErrUserNotFound     = errors.New("user not found")
	ErrDuplicateUser    = errors.New("user already exists")
	ErrSnapshotNotFound = errors.New("snapshot not found")
	ErrTaskNotFound     = errors.New("snapshot task not found")
	ErrDuplicateTask    = errors.New("snapshot task already exists")
)
