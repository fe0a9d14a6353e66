package pipeline

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestJobValidate(t *testing.T) {
	valid := Job{EventID: "ev1", ClientConnectionID: "sock-1", FileReference: "uploads/a.jpg"}
	assert.NoError(t, valid.Validate())

	missingEvent := valid
	missingEvent.EventID = "  "
	assert.ErrorIs(t, missingEvent.Validate(), ErrMissingEventID)

	missingClient := valid
	missingClient.ClientConnectionID = ""
	assert.ErrorIs(t, missingClient.Validate(), ErrMissingClientConnectionID)

	missingFile := valid
	missingFile.FileReference = ""
	assert.ErrorIs(t, missingFile.Validate(), ErrMissingFileReference)
}

func TestJobValidateEventIDCharacters(t *testing.T) {
	cases := map[string]bool{
		"ev1":             true,
		"summer-party_2":  true,
		"2024.06.01":      true,
		"Summer Party #2": false,
		"ev/1":            false,
		"ev:1":            false,
		"événement":       false,
		" ev1":            false,
	}
	for id, ok := range cases {
		err := Job{EventID: id, ClientConnectionID: "sock-1", FileReference: "a.jpg"}.Validate()
		if ok {
			assert.NoError(t, err, id)
		} else {
			assert.ErrorIs(t, err, ErrInvalidEventID, id)
		}
	}
}

func TestJobNameFallsBackToFileReference(t *testing.T) {
	assert.Equal(t, "party.jpg", Job{OriginalName: "party.jpg", FileReference: "tmp/abc"}.Name())
	assert.Equal(t, "abc123.png", Job{FileReference: "tmp/uploads/abc123.png"}.Name())
}

func TestProgressEventName(t *testing.T) {
	assert.Equal(t, EventUploadProgress, ProgressEvent{Status: StatusStarted}.EventName())
	assert.Equal(t, EventUploadProgress, ProgressEvent{Status: StatusInProgress}.EventName())
	assert.Equal(t, EventUploadComplete, ProgressEvent{Status: StatusCompleted}.EventName())
	assert.Equal(t, EventUploadError, ProgressEvent{Status: StatusError}.EventName())

	assert.True(t, StatusCompleted.Terminal())
	assert.True(t, StatusError.Terminal())
	assert.False(t, StatusInProgress.Terminal())
}

func TestBatchRequestValidate(t *testing.T) {
	assert.ErrorIs(t, BatchRequest{}.Validate(), ErrEmptyBatch)

	ok := Job{EventID: "ev1", ClientConnectionID: "sock-1", FileReference: "a.jpg"}
	bad := ok
	bad.FileReference = ""
	err := BatchRequest{Jobs: []Job{ok, bad}}.Validate()
	assert.ErrorIs(t, err, ErrMissingFileReference)
	assert.Contains(t, err.Error(), "jobs[1]")

	assert.NoError(t, BatchRequest{Jobs: []Job{ok, ok}}.Validate())
}
