package admin

import (
	"encoding/json"
	"time"

	"github.com/wangyingjie930/nexus-enrich/queue"
)

// RecordView 是队列记录对外的 JSON 形式
type RecordView struct {
	ID                    uint64          `json:"id"`
	EventKey              string          `json:"eventKey"`
	ClientID              string          `json:"clientId"`
	ContactID             string          `json:"contactId"`
	Status                queue.Status    `json:"status"`
	Attempts              int             `json:"attempts"`
	MaxAttempts           int             `json:"maxAttempts"`
	Needs                 []string        `json:"needs"`
	Subject               queue.Subject   `json:"subject"`
	NextEligibleAt        *time.Time      `json:"nextEligibleAt,omitempty"`
	ProcessingStartedAt   *time.Time      `json:"processingStartedAt,omitempty"`
	ProcessingCompletedAt *time.Time      `json:"processingCompletedAt,omitempty"`
	ValidationResults     json.RawMessage `json:"validationResults,omitempty"`
	SubmissionResponse    json.RawMessage `json:"submissionResponse,omitempty"`
	LastError             string          `json:"lastError,omitempty"`
	CreatedAt             time.Time       `json:"createdAt"`
	UpdatedAt             time.Time       `json:"updatedAt"`
}

func NewRecordView(rec *queue.QueueRecord) RecordView {
	v := RecordView{
		ID:                    rec.ID,
		EventKey:              rec.EventKey,
		ClientID:              rec.ClientID,
		ContactID:             rec.ContactID,
		Status:                rec.Status,
		Attempts:              rec.Attempts,
		MaxAttempts:           rec.MaxAttempts,
		Needs:                 []string{},
		Subject:               rec.Subject.Data(),
		NextEligibleAt:        rec.NextEligibleAt,
		ProcessingStartedAt:   rec.ProcessingStartedAt,
		ProcessingCompletedAt: rec.ProcessingCompletedAt,
		CreatedAt:             rec.CreatedAt,
		UpdatedAt:             rec.UpdatedAt,
	}
	if len(rec.ValidationResults) > 0 {
		v.ValidationResults = json.RawMessage(rec.ValidationResults)
	}
	if len(rec.SubmissionResponse) > 0 {
		v.SubmissionResponse = json.RawMessage(rec.SubmissionResponse)
	}
	if rec.LastError != nil {
		v.LastError = *rec.LastError
	}
	for _, n := range []struct {
		on   bool
		name string
	}{
		{rec.NeedsEmail, "email"},
		{rec.NeedsName, "name"},
		{rec.NeedsPhone, "phone"},
		{rec.NeedsAddress, "address"},
	} {
		if n.on {
			v.Needs = append(v.Needs, n.name)
		}
	}
	return v
}
