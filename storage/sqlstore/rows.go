package sqlstore

import (
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/giantswarm/mcp-authserver/oauthutil"
	"github.com/giantswarm/mcp-authserver/storage"
)

type clientRow struct {
	ClientID                string         `db:"client_id"`
	ClientName              string         `db:"client_name"`
	RedirectURIs            string         `db:"redirect_uris"`
	GrantTypes              string         `db:"grant_types"`
	ResponseTypes           string         `db:"response_types"`
	Scope                   string         `db:"scope"`
	TokenEndpointAuthMethod string         `db:"token_endpoint_auth_method"`
	ClientIDIssuedAt        int64          `db:"client_id_issued_at"`
	SecretHash              sql.NullString `db:"secret_hash"`
	SecretExpiresAt         int64          `db:"secret_expires_at"`
}

func toClientRow(c *storage.Client) (*clientRow, error) {
	row := &clientRow{
		ClientID:                c.ClientID,
		ClientName:              c.ClientName,
		Scope:                   c.Scope,
		TokenEndpointAuthMethod: c.TokenEndpointAuthMethod,
		ClientIDIssuedAt:        c.ClientIDIssuedAt,
	}
	var err error
	if row.RedirectURIs, err = encodeList(c.RedirectURIs); err != nil {
		return nil, err
	}
	if row.GrantTypes, err = encodeList(c.GrantTypes); err != nil {
		return nil, err
	}
	if row.ResponseTypes, err = encodeList(c.ResponseTypes); err != nil {
		return nil, err
	}
	if c.Secret != nil {
		row.SecretHash = sql.NullString{String: c.Secret.Hash, Valid: true}
		row.SecretExpiresAt = c.Secret.ExpiresAt
	}
	return row, nil
}

func (r *clientRow) toClient() (*storage.Client, error) {
	c := &storage.Client{
		ClientID:                r.ClientID,
		ClientName:              r.ClientName,
		Scope:                   r.Scope,
		TokenEndpointAuthMethod: r.TokenEndpointAuthMethod,
		ClientIDIssuedAt:        r.ClientIDIssuedAt,
	}
	var err error
	if c.RedirectURIs, err = decodeList(r.RedirectURIs); err != nil {
		return nil, err
	}
	if c.GrantTypes, err = decodeList(r.GrantTypes); err != nil {
		return nil, err
	}
	if c.ResponseTypes, err = decodeList(r.ResponseTypes); err != nil {
		return nil, err
	}
	if r.SecretHash.Valid {
		c.Secret = &storage.ClientSecret{Hash: r.SecretHash.String, ExpiresAt: r.SecretExpiresAt}
	}
	return c, nil
}

type codeRow struct {
	Code                string `db:"code"`
	ClientID            string `db:"client_id"`
	UserID              string `db:"user_id"`
	RedirectURI         string `db:"redirect_uri"`
	Scopes              string `db:"scopes"`
	CodeChallenge       string `db:"code_challenge"`
	CodeChallengeMethod string `db:"code_challenge_method"`
	State               string `db:"state"`
	ExpiresAt           int64  `db:"expires_at"`
	CreatedAt           int64  `db:"created_at"`
}

func toCodeRow(c *storage.AuthorizationCode) *codeRow {
	return &codeRow{
		Code:                c.Code,
		ClientID:            c.ClientID,
		UserID:              c.UserID,
		RedirectURI:         c.RedirectURI,
		Scopes:              oauthutil.FormatScopes(c.Scopes),
		CodeChallenge:       c.CodeChallenge,
		CodeChallengeMethod: c.CodeChallengeMethod,
		State:               c.State,
		ExpiresAt:           c.ExpiresAt,
		CreatedAt:           c.CreatedAt,
	}
}

func (r *codeRow) toCode() *storage.AuthorizationCode {
	return &storage.AuthorizationCode{
		Code:                r.Code,
		ClientID:            r.ClientID,
		UserID:              r.UserID,
		RedirectURI:         r.RedirectURI,
		Scopes:              oauthutil.ParseScopes(r.Scopes),
		CodeChallenge:       r.CodeChallenge,
		CodeChallengeMethod: r.CodeChallengeMethod,
		State:               r.State,
		ExpiresAt:           r.ExpiresAt,
		CreatedAt:           r.CreatedAt,
	}
}

type accessTokenRow struct {
	Token     string `db:"token"`
	ClientID  string `db:"client_id"`
	UserID    string `db:"user_id"`
	Scopes    string `db:"scopes"`
	TokenType string `db:"token_type"`
	ExpiresAt int64  `db:"expires_at"`
	CreatedAt int64  `db:"created_at"`
}

func toAccessTokenRow(t *storage.AccessToken) *accessTokenRow {
	return &accessTokenRow{
		Token:     t.Token,
		ClientID:  t.ClientID,
		UserID:    t.UserID,
		Scopes:    oauthutil.FormatScopes(t.Scopes),
		TokenType: t.TokenType,
		ExpiresAt: t.ExpiresAt,
		CreatedAt: t.CreatedAt,
	}
}

func (r *accessTokenRow) toAccessToken() *storage.AccessToken {
	return &storage.AccessToken{
		Token:     r.Token,
		ClientID:  r.ClientID,
		UserID:    r.UserID,
		Scopes:    oauthutil.ParseScopes(r.Scopes),
		TokenType: r.TokenType,
		ExpiresAt: r.ExpiresAt,
		CreatedAt: r.CreatedAt,
	}
}

type refreshTokenRow struct {
	Token     string `db:"token"`
	ClientID  string `db:"client_id"`
	UserID    string `db:"user_id"`
	Scopes    string `db:"scopes"`
	ExpiresAt int64  `db:"expires_at"`
	CreatedAt int64  `db:"created_at"`
}

func toRefreshTokenRow(t *storage.RefreshToken) *refreshTokenRow {
	return &refreshTokenRow{
		Token:     t.Token,
		ClientID:  t.ClientID,
		UserID:    t.UserID,
		Scopes:    oauthutil.FormatScopes(t.Scopes),
		ExpiresAt: t.ExpiresAt,
		CreatedAt: t.CreatedAt,
	}
}

func (r *refreshTokenRow) toRefreshToken() *storage.RefreshToken {
	return &storage.RefreshToken{
		Token:     r.Token,
		ClientID:  r.ClientID,
		UserID:    r.UserID,
		Scopes:    oauthutil.ParseScopes(r.Scopes),
		ExpiresAt: r.ExpiresAt,
		CreatedAt: r.CreatedAt,
	}
}

func encodeList(v []string) (string, error) {
	if v == nil {
		v = []string{}
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("failed to encode list: %w", err)
	}
	return string(b), nil
}

func decodeList(s string) ([]string, error) {
	var v []string
	if err := json.Unmarshal([]byte(s), &v); err != nil {
		return nil, fmt.Errorf("failed to decode list: %w", err)
	}
	return v, nil
}
