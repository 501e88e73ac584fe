package enrich

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"

	"github.com/wangyingjie930/nexus-enrich/constants"
	"github.com/wangyingjie930/nexus-enrich/queue"
)

func fullRecord() queue.QueueRecord {
	return queue.QueueRecord{
		ID:        7,
		EventKey:  "evt-7",
		ClientID:  "client-1",
		ContactID: "c-7",
		Subject: datatypes.NewJSONType(queue.Subject{
			ContactID: "c-7",
			Email:     "ada@example.com",
			FirstName: "Ada",
			LastName:  "Lovelace",
			Phone:     "+15550100",
			Street:    "1 Main St",
			City:      "Springfield",
		}),
		NeedsEmail:   true,
		NeedsName:    true,
		NeedsPhone:   true,
		NeedsAddress: true,
		Status:       queue.StatusProcessing,
		MaxAttempts:  3,
	}
}

func TestProcessOne_AllGroupsSucceed(t *testing.T) {
	dir, val, crm := newFakeDirectory(), &fakeValidation{}, &fakeCRM{}
	w := NewWorker(dir, val, crm, "")

	out := w.ProcessOne(context.Background(), fullRecord())

	require.True(t, out.Success, "unexpected error: %v", out.Err)
	require.NotNil(t, out.Receipt)
	assert.Equal(t, "sub-1", out.Receipt.SubmissionID)
	assert.ElementsMatch(t, AllGroups, out.Results.Succeeded())
	assert.ElementsMatch(t, AllGroups, dir.decremented())
	assert.Equal(t, "US", val.lastRegion)

	require.Len(t, crm.submitted, 1)
	fields := crm.submitted[0]
	status, ok := fields.Get(constants.FieldPhoneStatus)
	assert.True(t, ok)
	assert.Equal(t, "valid", status)
}

func TestProcessOne_PartialFailureSubmitsTheRest(t *testing.T) {
	dir, crm := newFakeDirectory(), &fakeCRM{}
	val := &fakeValidation{phoneErr: errors.New("upstream 503")}
	w := NewWorker(dir, val, crm, "")

	out := w.ProcessOne(context.Background(), fullRecord())

	require.True(t, out.Success)
	require.NotNil(t, out.Results.Phone)
	assert.False(t, out.Results.Phone.OK())
	assert.Contains(t, out.Results.Phone.Error, "upstream 503")
	assert.NotContains(t, dir.decremented(), GroupPhone)
	assert.Len(t, dir.decremented(), 3)

	require.Len(t, crm.submitted, 1)
	_, ok := crm.submitted[0].Get(constants.FieldPhoneStatus)
	assert.False(t, ok, "errored group must not write its marker")
	_, ok = crm.submitted[0].Get(constants.FieldEmailStatus)
	assert.True(t, ok)
}

func TestProcessOne_AllGroupsErroredStillCompletes(t *testing.T) {
	dir, crm := newFakeDirectory(), &fakeCRM{}
	boom := errors.New("boom")
	val := &fakeValidation{emailErr: boom, nameErr: boom, phoneErr: boom, addressErr: boom}
	w := NewWorker(dir, val, crm, "")

	out := w.ProcessOne(context.Background(), fullRecord())

	require.True(t, out.Success, "field errors must not fail the item")
	assert.NoError(t, out.Err)
	assert.Nil(t, out.Receipt)
	assert.Empty(t, crm.submitted, "an empty field map is not submitted")
	assert.Empty(t, dir.decremented())

	var fieldErr *ValidationFieldError
	require.ErrorAs(t, out.Results.Err(), &fieldErr)
	assert.ErrorIs(t, out.Results.Err(), boom)
	assert.ElementsMatch(t, AllGroups, out.Results.Requested())
	require.NotNil(t, out.Results.Email)
	assert.Contains(t, out.Results.Email.Error, "boom")
}

func TestProcessOne_CredentialFailures(t *testing.T) {
	t.Run("unknown client", func(t *testing.T) {
		rec := fullRecord()
		rec.ClientID = "nobody"
		out := NewWorker(newFakeDirectory(), &fakeValidation{}, &fakeCRM{}, "").ProcessOne(context.Background(), rec)

		var credErr *CredentialError
		require.ErrorAs(t, out.Err, &credErr)
		assert.Equal(t, "nobody", credErr.ClientID)
		assert.ErrorIs(t, out.Err, ErrClientNotFound)
	})

	t.Run("disabled client", func(t *testing.T) {
		dir := newFakeDirectory()
		c := dir.creds["client-1"]
		c.Enabled = false
		dir.creds["client-1"] = c
		out := NewWorker(dir, &fakeValidation{}, &fakeCRM{}, "").ProcessOne(context.Background(), fullRecord())

		assert.False(t, out.Success)
		assert.ErrorIs(t, out.Err, ErrClientDisabled)
		assert.Equal(t, "credentials", errorKind(out.Err))
	})
}

func TestProcessOne_SubmissionError(t *testing.T) {
	dir := newFakeDirectory()
	crm := &fakeCRM{submitErr: errors.New("429 too many requests")}
	out := NewWorker(dir, &fakeValidation{}, crm, "").ProcessOne(context.Background(), fullRecord())

	assert.False(t, out.Success)
	var subErr *SubmissionError
	require.ErrorAs(t, out.Err, &subErr)
	assert.Len(t, out.Results.Requested(), 4, "results are kept for the retry record")
	assert.Empty(t, dir.decremented(), "usage is only consumed after a successful submit")
}

func TestProcessOne_NothingRequested(t *testing.T) {
	rec := fullRecord()
	rec.NeedsEmail, rec.NeedsName, rec.NeedsPhone, rec.NeedsAddress = false, false, false, false
	crm := &fakeCRM{}

	out := NewWorker(newFakeDirectory(), &fakeValidation{}, crm, "").ProcessOne(context.Background(), rec)

	assert.True(t, out.Success)
	assert.Nil(t, out.Receipt)
	assert.True(t, out.Results.Empty())
	assert.Empty(t, crm.submitted)
}

func TestProcessOne_UsageErrorsAreSwallowed(t *testing.T) {
	dir := newFakeDirectory()
	dir.decErr = errors.New("redis down")
	dir.creds["client-1"] = Credentials{ClientID: "client-1", Region: "GB", Enabled: true}
	val := &fakeValidation{}

	out := NewWorker(dir, val, &fakeCRM{}, "").ProcessOne(context.Background(), fullRecord())

	assert.True(t, out.Success)
	assert.NoError(t, out.Err)
	assert.Equal(t, "GB", val.lastRegion)
}
