package proto

import (
	"fmt"
	"time"

	"google.golang.org/protobuf/types/known/structpb"
)

// Struct field names.
const (
	FieldEmail            = "email"
	FieldPassword         = "password"
	FieldAccessToken      = "access_token"
	FieldRefreshToken     = "refresh_token"
	FieldRefreshExpiresAt = "refresh_expires_at"
	FieldPrincipalID      = "principal_id"
)

// Tokens is the payload of Login and Refresh responses.
type Tokens struct {
	AccessToken      string
	RefreshToken     string
	RefreshExpiresAt time.Time
	PrincipalID      string
	Email            string
}

// Identity is the payload of a WhoAmI response.
type Identity struct {
	PrincipalID string
	Email       string
}

func NewLoginRequest(email, password string) *structpb.Struct {
	return stringStruct(map[string]string{FieldEmail: email, FieldPassword: password})
}

// LoginCredentials extracts email and password. Missing fields are empty.
func LoginCredentials(s *structpb.Struct) (email, password string) {
	return field(s, FieldEmail), field(s, FieldPassword)
}

func (t Tokens) Struct() *structpb.Struct {
	return stringStruct(map[string]string{
		FieldAccessToken:      t.AccessToken,
		FieldRefreshToken:     t.RefreshToken,
		FieldRefreshExpiresAt: t.RefreshExpiresAt.UTC().Format(time.RFC3339),
		FieldPrincipalID:      t.PrincipalID,
		FieldEmail:            t.Email,
	})
}

func TokensFromStruct(s *structpb.Struct) (Tokens, error) {
	t := Tokens{
		AccessToken:  field(s, FieldAccessToken),
		RefreshToken: field(s, FieldRefreshToken),
		PrincipalID:  field(s, FieldPrincipalID),
		Email:        field(s, FieldEmail),
	}
	if t.AccessToken == "" || t.RefreshToken == "" {
		return Tokens{}, fmt.Errorf("token response is missing credentials")
	}
	if raw := field(s, FieldRefreshExpiresAt); raw != "" {
		at, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return Tokens{}, fmt.Errorf("bad %s: %w", FieldRefreshExpiresAt, err)
		}
		t.RefreshExpiresAt = at
	}
	return t, nil
}

func (i Identity) Struct() *structpb.Struct {
	return stringStruct(map[string]string{FieldPrincipalID: i.PrincipalID, FieldEmail: i.Email})
}

func IdentityFromStruct(s *structpb.Struct) Identity {
	return Identity{PrincipalID: field(s, FieldPrincipalID), Email: field(s, FieldEmail)}
}

func stringStruct(m map[string]string) *structpb.Struct {
	s := &structpb.Struct{Fields: make(map[string]*structpb.Value, len(m))}
	for k, v := range m {
		s.Fields[k] = structpb.NewStringValue(v)
	}
	return s
}

func field(s *structpb.Struct, name string) string {
	if s == nil {
		return ""
	}
	return s.GetFields()[name].GetStringValue()
}
