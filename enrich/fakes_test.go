package enrich

import (
	"context"
	"sync"
	"time"

	"github.com/wangyingjie930/nexus-enrich/queue"
)

type fakeDirectory struct {
	mu         sync.Mutex
	creds      map[string]Credentials
	credErr    error
	decErr     error
	decrements []FieldGroup
}

func newFakeDirectory() *fakeDirectory {
	return &fakeDirectory{creds: map[string]Credentials{
		"client-1": {ClientID: "client-1", PortalID: "p-1", AccessToken: "tok", FormGUID: "form-1", Enabled: true},
	}}
}

func (d *fakeDirectory) GetCredentials(_ context.Context, clientID string) (Credentials, error) {
	if d.credErr != nil {
		return Credentials{}, d.credErr
	}
	c, ok := d.creds[clientID]
	if !ok {
		return Credentials{}, ErrClientNotFound
	}
	return c, nil
}

func (d *fakeDirectory) DecrementUsage(_ context.Context, _ string, group FieldGroup) (int64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.decrements = append(d.decrements, group)
	return 99, d.decErr
}

func (d *fakeDirectory) decremented() []FieldGroup {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]FieldGroup(nil), d.decrements...)
}

type fakeValidation struct {
	emailErr, nameErr, phoneErr, addressErr error

	mu         sync.Mutex
	lastRegion string
}

func (v *fakeValidation) ValidateEmail(_ context.Context, value, _ string) (EmailResult, error) {
	if v.emailErr != nil {
		return EmailResult{}, v.emailErr
	}
	return EmailResult{Status: "valid", Normalized: value}, nil
}

func (v *fakeValidation) ValidateName(_ context.Context, first, last, _ string) (NameResult, error) {
	if v.nameErr != nil {
		return NameResult{}, v.nameErr
	}
	return NameResult{Status: "valid", FirstName: first, LastName: last}, nil
}

func (v *fakeValidation) ValidatePhone(_ context.Context, value, _, region string) (PhoneResult, error) {
	v.mu.Lock()
	v.lastRegion = region
	v.mu.Unlock()
	if v.phoneErr != nil {
		return PhoneResult{}, v.phoneErr
	}
	return PhoneResult{Status: "valid", E164: value, LineType: "mobile", Country: region}, nil
}

func (v *fakeValidation) ValidateAddress(_ context.Context, in AddressInput, _ string) (AddressResult, error) {
	if v.addressErr != nil {
		return AddressResult{}, v.addressErr
	}
	return AddressResult{Status: "valid", Street: in.Street, City: in.City, Deliverable: true}, nil
}

type fakeCRM struct {
	mu        sync.Mutex
	contacts  map[string]queue.Subject
	fetches   int
	submitErr error
	submitted []FieldMap
}

func (c *fakeCRM) FetchContact(_ context.Context, contactID string, _ Credentials) (queue.Subject, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.fetches++
	s, ok := c.contacts[contactID]
	if !ok {
		return queue.Subject{}, queue.ErrNotFound
	}
	return s, nil
}

func (c *fakeCRM) SubmitFields(_ context.Context, _ string, fields FieldMap, _ Credentials) (SubmissionReceipt, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.submitErr != nil {
		return SubmissionReceipt{}, c.submitErr
	}
	c.submitted = append(c.submitted, fields)
	return SubmissionReceipt{SubmissionID: "sub-1", StatusCode: 200, SubmittedAt: time.Now()}, nil
}

// itemFunc 把函数适配为 ItemProcessor
type itemFunc func(ctx context.Context, rec queue.QueueRecord) Outcome

func (f itemFunc) ProcessOne(ctx context.Context, rec queue.QueueRecord) Outcome {
	return f(ctx, rec)
}

// fakeClock 是可手动推进的时钟
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

type fakeNotifier struct {
	mu       sync.Mutex
	notified []uint64
}

func (n *fakeNotifier) NotifyExhausted(_ context.Context, rec queue.QueueRecord, _ string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.notified = append(n.notified, rec.ID)
	return nil
}
