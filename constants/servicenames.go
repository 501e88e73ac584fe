package constants

// 定义所有服务的标准服务名
// 这些名称将用于服务注册、服务发现、日志记录和监控等场景
const (
	EnrichService     = "enrich-service"
	ValidationService = "validation-service"
)

const (
	// ValidationService Paths
	ValidateEmailPath   = "/v1/validate/email"
	ValidateNamePath    = "/v1/validate/name"
	ValidatePhonePath   = "/v1/validate/phone"
	ValidateAddressPath = "/v1/validate/address"

	// EnrichService Paths
	WebhookPath = "/webhooks/crm"
	AdminPrefix = "/admin"
)

// 本系统写回 CRM 的字段都使用 enrich_ 命名空间。
// 每组的 *_status 字段同时作为“已处理”标记，决定后续事件是否还需要校验。
const (
	FieldEmailStatus     = "enrich_email_status"
	FieldEmailNormalized = "enrich_email_normalized"
	FieldEmailDisposable = "enrich_email_disposable"

	FieldNameStatus     = "enrich_name_status"
	FieldNameFirst      = "enrich_first_name"
	FieldNameLast       = "enrich_last_name"
	FieldNameSalutation = "enrich_salutation"

	FieldPhoneStatus   = "enrich_phone_status"
	FieldPhoneE164     = "enrich_phone_e164"
	FieldPhoneLineType = "enrich_phone_line_type"
	FieldPhoneCountry  = "enrich_phone_country"

	FieldAddressStatus      = "enrich_address_status"
	FieldAddressStreet      = "enrich_address_street"
	FieldAddressCity        = "enrich_address_city"
	FieldAddressState       = "enrich_address_state"
	FieldAddressPostalCode  = "enrich_address_postal_code"
	FieldAddressCountry     = "enrich_address_country"
	FieldAddressDeliverable = "enrich_address_deliverable"
)

// MaintenanceLock 是周期性维护任务（回收、清理）使用的分布式锁资源名
const MaintenanceLock = "enrich-maintenance"
