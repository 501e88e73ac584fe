package enrich

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/datatypes"

	"github.com/wangyingjie930/nexus-enrich/constants"
	"github.com/wangyingjie930/nexus-enrich/logger"
	"github.com/wangyingjie930/nexus-enrich/queue"
)

// InboundEvent 是一条来自 CRM 的变更事件
type InboundEvent struct {
	EventKey   string    `json:"eventKey"`
	ClientID   string    `json:"clientId"`
	ContactID  string    `json:"contactId"`
	Type       string    `json:"type,omitempty"`
	OccurredAt time.Time `json:"occurredAt,omitempty"`
}

// Needs 是入队时计算一次、之后不再改变的待校验标记
type Needs struct {
	Email   bool
	Name    bool
	Phone   bool
	Address bool
}

// ComputeNeeds 某组字段有源数据、但对应的 enrich_*_status 标记为空时需要校验
func ComputeNeeds(s queue.Subject) Needs {
	marked := func(field string) bool {
		return strings.TrimSpace(s.Enriched[field]) != ""
	}
	return Needs{
		Email:   s.Email != "" && !marked(constants.FieldEmailStatus),
		Name:    (s.FirstName != "" || s.LastName != "") && !marked(constants.FieldNameStatus),
		Phone:   s.Phone != "" && !marked(constants.FieldPhoneStatus),
		Address: s.HasAddress() && !marked(constants.FieldAddressStatus),
	}
}

// Service 负责把入站事件规范化为队列记录并幂等入队
type Service struct {
	store       queue.Store
	directory   Directory
	crm         CRMPort
	maxAttempts int
	now         func() time.Time
}

// NewService 创建入队服务。directory 与 crm 只在 Ingest 中使用，可以为 nil。
func NewService(store queue.Store, directory Directory, crm CRMPort, maxAttempts int) *Service {
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	return &Service{
		store:       store,
		directory:   directory,
		crm:         crm,
		maxAttempts: maxAttempts,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// WithClock 替换时钟，主要用于测试
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// Enqueue 把事件与已获取的联系人数据写成一条 PENDING 记录。
// event key 重复时返回已有记录与 isDuplicate=true，不视为错误。
func (s *Service) Enqueue(ctx context.Context, ev InboundEvent, subject queue.Subject) (*queue.QueueRecord, bool, error) {
	ev.EventKey = strings.TrimSpace(ev.EventKey)
	ev.ClientID = strings.TrimSpace(ev.ClientID)
	if ev.EventKey == "" || ev.ClientID == "" {
		return nil, false, ErrInvalidEvent
	}

	subject = normalizeSubject(subject)
	if subject.ContactID == "" {
		subject.ContactID = ev.ContactID
	}
	needs := ComputeNeeds(subject)

	rec := &queue.QueueRecord{
		EventKey:     ev.EventKey,
		ClientID:     ev.ClientID,
		ContactID:    subject.ContactID,
		Subject:      datatypes.NewJSONType(subject),
		NeedsEmail:   needs.Email,
		NeedsName:    needs.Name,
		NeedsPhone:   needs.Phone,
		NeedsAddress: needs.Address,
		Status:       queue.StatusPending,
		MaxAttempts:  s.maxAttempts,
		CreatedAt:    s.now(),
	}

	inserted, err := s.store.Insert(ctx, rec)
	if err != nil {
		return nil, false, fmt.Errorf("enqueue %s: %w", ev.EventKey, err)
	}

	log := logger.Ctx(ctx).With().Str("event_key", ev.EventKey).Str("client_id", ev.ClientID).Logger()
	if !inserted {
		existing, err := s.store.GetByEventKey(ctx, ev.EventKey)
		if err != nil {
			return nil, true, fmt.Errorf("load duplicate %s: %w", ev.EventKey, err)
		}
		log.Info().Uint64("record_id", existing.ID).Msg("duplicate event ignored")
		return existing, true, nil
	}

	log.Info().
		Uint64("record_id", rec.ID).
		Bool("needs_email", needs.Email).
		Bool("needs_name", needs.Name).
		Bool("needs_phone", needs.Phone).
		Bool("needs_address", needs.Address).
		Msg("event enqueued")
	return rec, false, nil
}

// Ingest 解析租户凭证并从 CRM 拉取联系人，然后调用 Enqueue。
// 已入队的事件直接返回，不会重复访问 CRM。
func (s *Service) Ingest(ctx context.Context, ev InboundEvent) (*queue.QueueRecord, bool, error) {
	if strings.TrimSpace(ev.EventKey) == "" || strings.TrimSpace(ev.ClientID) == "" || ev.ContactID == "" {
		return nil, false, ErrInvalidEvent
	}

	existing, err := s.store.GetByEventKey(ctx, strings.TrimSpace(ev.EventKey))
	if err == nil {
		return existing, true, nil
	}
	if !errors.Is(err, queue.ErrNotFound) {
		return nil, false, err
	}

	creds, err := s.directory.GetCredentials(ctx, ev.ClientID)
	if err != nil {
		return nil, false, &CredentialError{ClientID: ev.ClientID, Err: err}
	}
	if !creds.Enabled {
		return nil, false, &CredentialError{ClientID: ev.ClientID, Err: ErrClientDisabled}
	}

	subject, err := s.crm.FetchContact(ctx, ev.ContactID, creds)
	if err != nil {
		return nil, false, fmt.Errorf("fetch contact %s: %w", ev.ContactID, err)
	}
	return s.Enqueue(ctx, ev, subject)
}

func normalizeSubject(s queue.Subject) queue.Subject {
	s.ContactID = strings.TrimSpace(s.ContactID)
	s.Email = strings.ToLower(strings.TrimSpace(s.Email))
	s.FirstName = strings.TrimSpace(s.FirstName)
	s.LastName = strings.TrimSpace(s.LastName)
	s.Phone = strings.TrimSpace(s.Phone)
	s.Street = strings.TrimSpace(s.Street)
	s.City = strings.TrimSpace(s.City)
	s.State = strings.TrimSpace(s.State)
	s.PostalCode = strings.TrimSpace(s.PostalCode)
	s.Country = strings.TrimSpace(s.Country)
	return s
}
