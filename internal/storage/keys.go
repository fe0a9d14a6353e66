package storage

import (
	"fmt"
	"regexp"

	"github.com/google/uuid"
)

var (
	whitespaceRun   = regexp.MustCompile(`[\s\p{Zs}]+`)
	disallowedChars = regexp.MustCompile(`[^A-Za-z0-9_.\-:]`)
)

// SanitizeFilename replaces each whitespace run (Unicode spaces included)
// with an underscore and strips every character outside [A-Za-z0-9_.-:].
func SanitizeFilename(name string) string {
	name = whitespaceRun.ReplaceAllString(name, "_")
	return disallowedChars.ReplaceAllString(name, "")
}

// PhotoKey returns the object key of an event photo: {eventId}/{uuid}-{name}
func PhotoKey(eventID, originalName string) string {
	return fmt.Sprintf("%s/%s-%s", eventID, uuid.New().String(), SanitizeFilename(originalName))
}

// GuestPhotoKey returns the object key of a guest probe photo: {eventId}/guests/{guestId}-{name}
func GuestPhotoKey(eventID, guestID, originalName string) string {
	return fmt.Sprintf("%s/guests/%s-%s", eventID, guestID, SanitizeFilename(originalName))
}
