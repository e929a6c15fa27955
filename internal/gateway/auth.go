package gateway

import (
	"context"
	"encoding/json"
)

// simpleAuthenticator is the default Authenticator (dispatch.Authenticator):
// it decodes the auth frame's JSON body and accepts any non-empty
// identity/token pair. Real credential validation is an external
// collaborator the spec leaves out of scope; this stands in for it so the
// gateway is runnable standalone.
type simpleAuthenticator struct{}

type authRequest struct {
	User  string `json:"user"`
	Token string `json:"token"`
}

func (simpleAuthenticator) Authenticate(_ context.Context, _ uint64, _ string, body []byte) (identity, token string, ok bool) {
	var req authRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return "", "", false
	}
	if req.User == "" || req.Token == "" {
		return "", "", false
	}
	return req.User, req.Token, true
}
