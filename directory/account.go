package directory

import (
	"time"

	"github.com/wangyingjie930/nexus-enrich/enrich"
)

// ClientAccount 对应 client_accounts 表，保存租户的 CRM 凭证与配额
type ClientAccount struct {
	ClientID    string `gorm:"primaryKey;type:varchar(64)"`
	PortalID    string `gorm:"type:varchar(64);not null"`
	AccessToken string `gorm:"type:varchar(512);not null"`
	FormGUID    string `gorm:"type:varchar(64);not null"`
	Region      string `gorm:"type:varchar(8)"`
	Enabled     bool   `gorm:"not null"`
	// Quota 是每个字段组的初始用量，计数器不存在时以它初始化
	Quota int64 `gorm:"not null;default:1000"`

	CreatedAt time.Time
	UpdatedAt time.Time
}

func (ClientAccount) TableName() string {
	return "client_accounts"
}

func (a ClientAccount) credentials() enrich.Credentials {
	return enrich.Credentials{
		ClientID:    a.ClientID,
		PortalID:    a.PortalID,
		AccessToken: a.AccessToken,
		FormGUID:    a.FormGUID,
		Region:      a.Region,
		Enabled:     a.Enabled,
	}
}
