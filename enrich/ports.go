package enrich

import (
	"context"
	"time"

	"github.com/wangyingjie930/nexus-enrich/queue"
)

// FieldGroup 是一组需要一起校验的联系人字段，同时也是用量计数的类别
type FieldGroup string

const (
	GroupEmail   FieldGroup = "email"
	GroupName    FieldGroup = "name"
	GroupPhone   FieldGroup = "phone"
	GroupAddress FieldGroup = "address"
)

// AllGroups 按固定顺序列出所有字段组
var AllGroups = []FieldGroup{GroupEmail, GroupName, GroupPhone, GroupAddress}

// Credentials 是某个租户调用 CRM 所需的凭证
type Credentials struct {
	ClientID    string
	PortalID    string
	AccessToken string
	FormGUID    string
	// Region 是电话号码校验的默认区域，例如 "US"
	Region  string
	Enabled bool
}

// AddressInput 是地址校验的输入
type AddressInput struct {
	Street     string `json:"street,omitempty"`
	City       string `json:"city,omitempty"`
	State      string `json:"state,omitempty"`
	PostalCode string `json:"postalCode,omitempty"`
	Country    string `json:"country,omitempty"`
}

type EmailResult struct {
	Status     string `json:"status"`
	Normalized string `json:"normalized,omitempty"`
	Disposable bool   `json:"disposable"`
	Reason     string `json:"reason,omitempty"`
}

type NameResult struct {
	Status     string `json:"status"`
	FirstName  string `json:"firstName,omitempty"`
	LastName   string `json:"lastName,omitempty"`
	Salutation string `json:"salutation,omitempty"`
}

type PhoneResult struct {
	Status   string `json:"status"`
	E164     string `json:"e164,omitempty"`
	LineType string `json:"lineType,omitempty"`
	Country  string `json:"country,omitempty"`
}

type AddressResult struct {
	Status      string `json:"status"`
	Street      string `json:"street,omitempty"`
	City        string `json:"city,omitempty"`
	State       string `json:"state,omitempty"`
	PostalCode  string `json:"postalCode,omitempty"`
	Country     string `json:"country,omitempty"`
	Deliverable bool   `json:"deliverable"`
}

// ValidationPort 是逐字段校验服务的接口。
// 每次调用相互独立，对核心流程而言没有副作用。
type ValidationPort interface {
	ValidateEmail(ctx context.Context, value string, tenant string) (EmailResult, error)
	ValidateName(ctx context.Context, first, last string, tenant string) (NameResult, error)
	ValidatePhone(ctx context.Context, value string, tenant string, region string) (PhoneResult, error)
	ValidateAddress(ctx context.Context, fields AddressInput, tenant string) (AddressResult, error)
}

// SubmissionReceipt 是 CRM 表单提交的回执
type SubmissionReceipt struct {
	SubmissionID string    `json:"submissionId,omitempty"`
	StatusCode   int       `json:"statusCode"`
	Message      string    `json:"message,omitempty"`
	SubmittedAt  time.Time `json:"submittedAt"`
}

// CRMPort 是外部 CRM 的接口。同一联系人的重复提交在 CRM 侧是幂等的。
type CRMPort interface {
	FetchContact(ctx context.Context, contactID string, creds Credentials) (queue.Subject, error)
	SubmitFields(ctx context.Context, contactID string, fields FieldMap, creds Credentials) (SubmissionReceipt, error)
}

// Directory 负责租户凭证解析与用量计数
type Directory interface {
	// GetCredentials 找不到租户时返回 ErrClientNotFound
	GetCredentials(ctx context.Context, clientID string) (Credentials, error)
	// DecrementUsage 原子地扣减一次用量并返回剩余次数
	DecrementUsage(ctx context.Context, clientID string, group FieldGroup) (int64, error)
}
