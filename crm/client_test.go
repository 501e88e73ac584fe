package crm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wangyingjie930/nexus-enrich/constants"
	"github.com/wangyingjie930/nexus-enrich/enrich"
	"github.com/wangyingjie930/nexus-enrich/httpclient"
)

var creds = enrich.Credentials{
	ClientID:    "acme",
	PortalID:    "4242",
	AccessToken: "tok-1",
	FormGUID:    "form-1",
	Enabled:     true,
}

func newTestClient(t *testing.T, h http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return NewClient(httpclient.NewClient(nil, nil), Config{APIBaseURL: srv.URL})
}

func TestFetchContact(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/crm/v3/objects/contacts/c-1", r.URL.Path)
		assert.Equal(t, "Bearer tok-1", r.Header.Get("Authorization"))
		assert.Contains(t, r.URL.Query().Get("properties"), "enrich_email_status")
		_, _ = w.Write([]byte(`{
			"id": "c-1",
			"properties": {
				"email": "ada@example.com",
				"firstname": "Ada",
				"zip": "12345",
				"enrich_email_status": "valid",
				"enrich_phone_status": ""
			}
		}`))
	})

	s, err := c.FetchContact(context.Background(), "c-1", creds)
	require.NoError(t, err)
	assert.Equal(t, "c-1", s.ContactID)
	assert.Equal(t, "ada@example.com", s.Email)
	assert.Equal(t, "12345", s.PostalCode)
	assert.Equal(t, map[string]string{constants.FieldEmailStatus: "valid"}, s.Enriched)
}

func TestSubmitFields(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/submissions/v3/integration/submit/4242/form-1", r.URL.Path)

		var body submitRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "c-1", body.Context.ObjectID)
		assert.Equal(t, []enrich.Field{{Name: constants.FieldEmailStatus, Value: "valid"}}, body.Fields)
		_, _ = w.Write([]byte(`{"id":"sub-9","inlineMessage":"Thanks"}`))
	})

	var fields enrich.FieldMap
	fields.Set(constants.FieldEmailStatus, "valid")
	receipt, err := c.SubmitFields(context.Background(), "c-1", fields, creds)
	require.NoError(t, err)
	assert.Equal(t, "sub-9", receipt.SubmissionID)
	assert.Equal(t, http.StatusOK, receipt.StatusCode)
	assert.Equal(t, "Thanks", receipt.Message)
	assert.False(t, receipt.SubmittedAt.IsZero())
}

func TestSubmitFields_Rejected(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	})

	_, err := c.SubmitFields(context.Background(), "c-1", enrich.FieldMap{}, creds)
	var statusErr *httpclient.StatusError
	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, http.StatusUnauthorized, statusErr.StatusCode)

	noForm := creds
	noForm.FormGUID = ""
	_, err = c.SubmitFields(context.Background(), "c-1", enrich.FieldMap{}, noForm)
	assert.ErrorContains(t, err, "no form")
}
