package etsimport

import "errors"

// Sentinel errors for ETS import operations.
var (
	// ErrInvalidFile indicates the file is not a recognised ETS export.
	ErrInvalidFile = errors.New("etsimport: invalid ETS export")

	// ErrCorruptArchive indicates the .knxproj ZIP archive is unreadable.
	ErrCorruptArchive = errors.New("etsimport: corrupt archive")

	// ErrNoGroupAddresses indicates the file holds no group addresses.
	ErrNoGroupAddresses = errors.New("etsimport: no group addresses found")

	// ErrFileTooLarge indicates the file exceeds MaxFileSize.
	ErrFileTooLarge = errors.New("etsimport: file exceeds maximum size")
)

// Skip reasons reported alongside a Result.
const (
	SkipInvalidAddress = "invalid group address"
	SkipDuplicate      = "duplicate group address"
	SkipNoDPT          = "no datapoint type"
	SkipUnknownDPT     = "datapoint type not in catalog"
)
