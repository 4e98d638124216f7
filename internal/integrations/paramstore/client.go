// Package paramstore reads secrets for the agent from AWS SSM Parameter
// Store. Secrets are stored as SecureString JSON objects.
package paramstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go-v2/service/ssm"
)

// Parameter names below the configured prefix.
const (
	OpenAITokenParam = "open-ai-token"
	DatabaseURLParam = "database-url"
)

// ssmAPI is satisfied by *ssm.Client.
type ssmAPI interface {
	GetParameter(ctx context.Context, in *ssm.GetParameterInput, optFns ...func(*ssm.Options)) (*ssm.GetParameterOutput, error)
}

// Getter is what secret consumers depend on.
type Getter interface {
	GetParameter(ctx context.Context, name string) (string, error)
}

type Client struct {
	api ssmAPI
}

func New(api ssmAPI) (*Client, error) {
	if api == nil {
		return nil, errors.New("paramstore: api must not be nil")
	}
	return &Client{api: api}, nil
}

// Name joins a prefix such as "/labsql/prod" with a parameter key.
func Name(prefix, key string) string {
	return path.Join("/", strings.TrimSpace(prefix), key)
}

// GetParameter returns the decrypted value of name.
func (c *Client) GetParameter(ctx context.Context, name string) (string, error) {
	if c.api == nil {
		return "", errors.New("paramstore: client not initialized")
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return "", errors.New("paramstore: name is required")
	}

	withDecryption := true
	out, err := c.api.GetParameter(ctx, &ssm.GetParameterInput{
		Name:           &name,
		WithDecryption: &withDecryption,
	})
	if err != nil {
		return "", fmt.Errorf("paramstore: get parameter %q: %w", name, err)
	}
	if out == nil || out.Parameter == nil || out.Parameter.Value == nil {
		return "", fmt.Errorf("paramstore: parameter %q missing value", name)
	}
	return *out.Parameter.Value, nil
}

// StringField reads name through g, decodes it as a JSON object and returns
// the non-empty string stored under field.
func StringField(ctx context.Context, g Getter, name, field string) (string, error) {
	raw, err := g.GetParameter(ctx, name)
	if err != nil {
		return "", err
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal([]byte(raw), &obj); err != nil {
		return "", fmt.Errorf("paramstore: parameter %q is not a JSON object: %w", name, err)
	}
	var v string
	if rawField, ok := obj[field]; ok {
		if err := json.Unmarshal(rawField, &v); err != nil {
			return "", fmt.Errorf("paramstore: field %q of %q is not a string", field, name)
		}
	}
	v = strings.TrimSpace(v)
	if v == "" {
		return "", fmt.Errorf("paramstore: parameter %q has no %q", name, field)
	}
	return v, nil
}
