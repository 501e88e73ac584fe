package queue

import (
	"time"

	"gorm.io/datatypes"
)

// Status 定义了队列记录的状态
type Status string

const (
	// StatusPending 等待处理，满足 next_eligible_at 条件后可被认领
	StatusPending Status = "PENDING"
	// StatusProcessing 已被某个批处理实例认领
	StatusProcessing Status = "PROCESSING"
	// StatusCompleted 终态，校验结果已成功写回 CRM
	StatusCompleted Status = "COMPLETED"
	// StatusFailed 终态，重试次数耗尽
	StatusFailed Status = "FAILED"
)

// AllStatuses 按生命周期顺序列出所有状态
var AllStatuses = []Status{StatusPending, StatusProcessing, StatusCompleted, StatusFailed}

// Subject 是处理一条记录所需的联系人数据快照。
// Enriched 保存 CRM 中已经存在的、由本系统写入的 enrich_* 字段。
type Subject struct {
	ContactID  string            `json:"contactId"`
	Email      string            `json:"email,omitempty"`
	FirstName  string            `json:"firstName,omitempty"`
	LastName   string            `json:"lastName,omitempty"`
	Phone      string            `json:"phone,omitempty"`
	Street     string            `json:"street,omitempty"`
	City       string            `json:"city,omitempty"`
	State      string            `json:"state,omitempty"`
	PostalCode string            `json:"postalCode,omitempty"`
	Country    string            `json:"country,omitempty"`
	Enriched   map[string]string `json:"enriched,omitempty"`
}

// HasAddress 判断是否有任何地址字段
func (s Subject) HasAddress() bool {
	return s.Street != "" || s.City != "" || s.State != "" || s.PostalCode != ""
}

// QueueRecord 对应数据库中的 enrichment_queue 表。
// 记录只由 Store 修改，并发的处理协程只通过 ID 引用它。
type QueueRecord struct {
	ID        uint64 `gorm:"primaryKey;autoIncrement"`
	EventKey  string `gorm:"type:varchar(191);not null;uniqueIndex:uk_enrichment_queue_event_key"`
	ClientID  string `gorm:"type:varchar(64);not null;index"`
	ContactID string `gorm:"type:varchar(64);not null"`

	Subject datatypes.JSONType[Subject] `gorm:"not null"`

	NeedsEmail   bool `gorm:"not null;default:false"`
	NeedsName    bool `gorm:"not null;default:false"`
	NeedsPhone   bool `gorm:"not null;default:false"`
	NeedsAddress bool `gorm:"not null;default:false"`

	Status      Status `gorm:"type:varchar(20);not null;index:idx_enrichment_queue_status_created,priority:1"`
	Attempts    int    `gorm:"not null;default:0"`
	MaxAttempts int    `gorm:"not null;default:3"`

	NextEligibleAt        *time.Time
	ProcessingStartedAt   *time.Time `gorm:"index"`
	ProcessingCompletedAt *time.Time

	ValidationResults  datatypes.JSON
	SubmissionResponse datatypes.JSON
	LastError          *string `gorm:"type:text"`

	CreatedAt time.Time `gorm:"not null;index:idx_enrichment_queue_status_created,priority:2"`
	UpdatedAt time.Time `gorm:"autoUpdateTime"`
}

func (QueueRecord) TableName() string {
	return "enrichment_queue"
}

// Eligible 判断记录在 now 时刻是否可以被选中
func (r *QueueRecord) Eligible(now time.Time) bool {
	if r.Status != StatusPending || r.Attempts >= r.MaxAttempts {
		return false
	}
	return r.NextEligibleAt == nil || !r.NextEligibleAt.After(now)
}

// AnyNeeds 判断是否至少有一组字段需要校验
func (r *QueueRecord) AnyNeeds() bool {
	return r.NeedsEmail || r.NeedsName || r.NeedsPhone || r.NeedsAddress
}
