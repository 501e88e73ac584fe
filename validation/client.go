// Package validation 通过 HTTP 调用逐字段校验服务
package validation

import (
	"context"
	"net/http"

	"github.com/wangyingjie930/nexus-enrich/constants"
	"github.com/wangyingjie930/nexus-enrich/enrich"
	"github.com/wangyingjie930/nexus-enrich/httpclient"
)

// Client 实现 enrich.ValidationPort
type Client struct {
	http    *httpclient.Client
	service string
}

func NewClient(hc *httpclient.Client) *Client {
	return &Client{http: hc, service: constants.ValidationService}
}

type valueRequest struct {
	Value  string `json:"value"`
	Tenant string `json:"tenant"`
	Region string `json:"region,omitempty"`
}

type nameRequest struct {
	FirstName string `json:"firstName"`
	LastName  string `json:"lastName"`
	Tenant    string `json:"tenant"`
}

type addressRequest struct {
	enrich.AddressInput
	Tenant string `json:"tenant"`
}

func (c *Client) post(ctx context.Context, path string, body, out any) error {
	_, err := c.http.CallService(ctx, c.service, httpclient.Request{
		Method: http.MethodPost,
		Path:   path,
		Body:   body,
	}, out)
	return err
}

func (c *Client) ValidateEmail(ctx context.Context, value, tenant string) (enrich.EmailResult, error) {
	var res enrich.EmailResult
	err := c.post(ctx, constants.ValidateEmailPath, valueRequest{Value: value, Tenant: tenant}, &res)
	return res, err
}

func (c *Client) ValidateName(ctx context.Context, first, last, tenant string) (enrich.NameResult, error) {
	var res enrich.NameResult
	err := c.post(ctx, constants.ValidateNamePath, nameRequest{FirstName: first, LastName: last, Tenant: tenant}, &res)
	return res, err
}

func (c *Client) ValidatePhone(ctx context.Context, value, tenant, region string) (enrich.PhoneResult, error) {
	var res enrich.PhoneResult
	err := c.post(ctx, constants.ValidatePhonePath, valueRequest{Value: value, Tenant: tenant, Region: region}, &res)
	return res, err
}

func (c *Client) ValidateAddress(ctx context.Context, fields enrich.AddressInput, tenant string) (enrich.AddressResult, error) {
	var res enrich.AddressResult
	err := c.post(ctx, constants.ValidateAddressPath, addressRequest{AddressInput: fields, Tenant: tenant}, &res)
	return res, err
}
