// Package crm 是 CRM 的 HTTP 客户端：读取联系人并通过表单提交写回校验结果
package crm

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/wangyingjie930/nexus-enrich/enrich"
	"github.com/wangyingjie930/nexus-enrich/httpclient"
	"github.com/wangyingjie930/nexus-enrich/queue"
)

// 联系人属性名
const (
	propEmail      = "email"
	propFirstName  = "firstname"
	propLastName   = "lastname"
	propPhone      = "phone"
	propStreet     = "address"
	propCity       = "city"
	propState      = "state"
	propPostalCode = "zip"
	propCountry    = "country"

	enrichedPrefix = "enrich_"
)

var contactProperties = []string{
	propEmail, propFirstName, propLastName, propPhone,
	propStreet, propCity, propState, propPostalCode, propCountry,
	"enrich_email_status", "enrich_name_status", "enrich_phone_status", "enrich_address_status",
}

// Config 是 CRM 的地址
type Config struct {
	// APIBaseURL 例如 https://api.hubapi.com
	APIBaseURL string
	// FormsBaseURL 例如 https://api.hsforms.com
	FormsBaseURL string
}

// Client 实现 enrich.CRMPort
type Client struct {
	http *httpclient.Client
	cfg  Config
	now  func() time.Time
}

func NewClient(hc *httpclient.Client, cfg Config) *Client {
	cfg.APIBaseURL = strings.TrimRight(cfg.APIBaseURL, "/")
	cfg.FormsBaseURL = strings.TrimRight(cfg.FormsBaseURL, "/")
	if cfg.FormsBaseURL == "" {
		cfg.FormsBaseURL = cfg.APIBaseURL
	}
	return &Client{http: hc, cfg: cfg, now: time.Now}
}

func bearer(creds enrich.Credentials) http.Header {
	return http.Header{"Authorization": []string{"Bearer " + creds.AccessToken}}
}

type contactResponse struct {
	ID         string            `json:"id"`
	Properties map[string]string `json:"properties"`
}

// FetchContact 读取联系人的源字段以及已有的 enrich_* 字段
func (c *Client) FetchContact(ctx context.Context, contactID string, creds enrich.Credentials) (queue.Subject, error) {
	u := fmt.Sprintf("%s/crm/v3/objects/contacts/%s?properties=%s",
		c.cfg.APIBaseURL, url.PathEscape(contactID), url.QueryEscape(strings.Join(contactProperties, ",")))

	var resp contactResponse
	if _, err := c.http.Do(ctx, "crm.fetch-contact", u, httpclient.Request{
		Method: http.MethodGet,
		Header: bearer(creds),
	}, &resp); err != nil {
		return queue.Subject{}, err
	}

	p := resp.Properties
	subject := queue.Subject{
		ContactID:  resp.ID,
		Email:      p[propEmail],
		FirstName:  p[propFirstName],
		LastName:   p[propLastName],
		Phone:      p[propPhone],
		Street:     p[propStreet],
		City:       p[propCity],
		State:      p[propState],
		PostalCode: p[propPostalCode],
		Country:    p[propCountry],
	}
	if subject.ContactID == "" {
		subject.ContactID = contactID
	}
	for k, v := range p {
		if strings.HasPrefix(k, enrichedPrefix) && v != "" {
			if subject.Enriched == nil {
				subject.Enriched = make(map[string]string)
			}
			subject.Enriched[k] = v
		}
	}
	return subject, nil
}

type submitRequest struct {
	Fields  []enrich.Field `json:"fields"`
	Context submitContext  `json:"context"`
}

type submitContext struct {
	ObjectID string `json:"objectId"`
	PageName string `json:"pageName,omitempty"`
}

type submitResponse struct {
	ID            string `json:"id"`
	InlineMessage string `json:"inlineMessage"`
}

// SubmitFields 以表单提交的方式写回字段，同一联系人重复提交由 CRM 合并
func (c *Client) SubmitFields(ctx context.Context, contactID string, fields enrich.FieldMap, creds enrich.Credentials) (enrich.SubmissionReceipt, error) {
	if creds.PortalID == "" || creds.FormGUID == "" {
		return enrich.SubmissionReceipt{}, fmt.Errorf("client %s has no form configured", creds.ClientID)
	}
	u := fmt.Sprintf("%s/submissions/v3/integration/submit/%s/%s",
		c.cfg.FormsBaseURL, url.PathEscape(creds.PortalID), url.PathEscape(creds.FormGUID))

	var resp submitResponse
	status, err := c.http.Do(ctx, "crm.submit-fields", u, httpclient.Request{
		Method: http.MethodPost,
		Header: bearer(creds),
		Body: submitRequest{
			Fields:  fields.Fields(),
			Context: submitContext{ObjectID: contactID, PageName: "enrichment"},
		},
	}, &resp)
	if err != nil {
		return enrich.SubmissionReceipt{}, err
	}
	return enrich.SubmissionReceipt{
		SubmissionID: resp.ID,
		StatusCode:   status,
		Message:      resp.InlineMessage,
		SubmittedAt:  c.now().UTC(),
	}, nil
}
