package request

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/Amund211/datasource/internal/domain"
	"github.com/google/uuid"
)

type Kind int

const (
	KindQuery Kind = iota
	KindResource
)

func (k Kind) String() string {
	switch k {
	case KindQuery:
		return "query"
	case KindResource:
		return "resource"
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// Codec turns a wire value into the response type of a request
type Codec interface {
	Decode(raw []byte) (any, error)
}

// JSONCodec decodes the wire value as JSON into a T
type JSONCodec[T any] struct{}

func (JSONCodec[T]) Decode(raw []byte) (any, error) {
	var value T
	if err := json.Unmarshal(raw, &value); err != nil {
		return nil, fmt.Errorf("%w: failed to decode response: %w", domain.ErrMalformedRequest, err)
	}
	return value, nil
}

// RawCodec hands the wire value through untouched
type RawCodec struct{}

func (RawCodec) Decode(raw []byte) (any, error) {
	out := make(json.RawMessage, len(raw))
	copy(out, raw)
	return out, nil
}

// Descriptor identifies a single request. Two descriptors with the same Key
// are interchangeable.
type Descriptor struct {
	Key         string
	Kind        Kind
	Endpoint    string
	Name        string
	Payload     []byte
	Attachments [][]byte
	Mutation    bool
	Response    Codec
}

func queryKey(endpoint, name string, payload []byte) string {
	return endpoint + "-" + name + "-" + string(payload)
}

func newQuery(endpoint, name string, args any, codec Codec, mutation bool) (Descriptor, error) {
	payload, err := json.Marshal(args)
	if err != nil {
		return Descriptor{}, fmt.Errorf("%w: failed to serialize arguments for %s/%s: %w", domain.ErrMalformedRequest, endpoint, name, err)
	}
	return Descriptor{
		Key:      queryKey(endpoint, name, payload),
		Kind:     KindQuery,
		Endpoint: endpoint,
		Name:     name,
		Payload:  payload,
		Mutation: mutation,
		Response: codec,
	}, nil
}

func NewQuery(endpoint, name string, args any, codec Codec) (Descriptor, error) {
	return newQuery(endpoint, name, args, codec, false)
}

func NewMutation(endpoint, name string, args any, codec Codec) (Descriptor, error) {
	return newQuery(endpoint, name, args, codec, true)
}

// WithAttachments returns a copy of d carrying binary parts that are sent
// after the JSON payload
func (d Descriptor) WithAttachments(attachments ...[]byte) Descriptor {
	d.Attachments = append([][]byte(nil), attachments...)
	return d
}

// ResourceID is the opaque string form of a resource identity
func ResourceID(typeName, id string) string {
	return base64.StdEncoding.EncodeToString([]byte(typeName + ":" + id))
}

// ParseResourceID is the inverse of ResourceID
func ParseResourceID(str string) (string, string, error) {
	raw, err := base64.StdEncoding.DecodeString(str)
	if err != nil {
		return "", "", fmt.Errorf("%w: invalid resource id: %w", domain.ErrMalformedRequest, err)
	}
	s := string(raw)
	i := strings.IndexByte(s, ':')
	if i < 1 || i >= len(s)-1 {
		return "", "", fmt.Errorf("%w: invalid resource id", domain.ErrMalformedRequest)
	}
	return s[:i], s[i+1:], nil
}

func NewResource(endpoint, name, typeName, id string, codec Codec) Descriptor {
	str := ResourceID(typeName, id)
	return Descriptor{
		Key:      endpoint + "-" + name + "-" + str,
		Kind:     KindResource,
		Endpoint: endpoint,
		Name:     name,
		Payload:  []byte(`{"id":"` + str + `"}`),
		Response: codec,
	}
}

// NewFakeResource creates a resource descriptor with a locally generated
// identity. It is used for optimistic creates before the server has assigned
// the real identity.
func NewFakeResource(endpoint, name, typeName string, codec Codec) Descriptor {
	return NewResource(endpoint, name, typeName, "fake-"+uuid.New().String(), codec)
}
