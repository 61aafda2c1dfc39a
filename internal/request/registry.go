package request

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/Amund211/datasource/internal/domain"
)

type registration struct {
	kind    Kind
	codec   Codec
	newArgs func() any
}

// Registry lists the requests an endpoint understands. It is used to rebuild
// descriptors from serialized (name, args) pairs, e.g. for hydration.
type Registry struct {
	endpoint string
	entries  map[string]registration
}

func NewRegistry(endpoint string) *Registry {
	return &Registry{
		endpoint: endpoint,
		entries:  make(map[string]registration),
	}
}

func (r *Registry) Endpoint() string {
	return r.endpoint
}

// Query registers a query. newArgs returns a pointer to a fresh argument value;
// it is used to normalize serialized arguments so keys match NewQuery.
// If newArgs is nil the serialized arguments are only compacted.
func (r *Registry) Query(name string, newArgs func() any, codec Codec) *Registry {
	r.entries[name] = registration{kind: KindQuery, codec: codec, newArgs: newArgs}
	return r
}

func (r *Registry) Resource(name string, codec Codec) *Registry {
	r.entries[name] = registration{kind: KindResource, codec: codec}
	return r
}

func (r *Registry) Has(name string) bool {
	_, ok := r.entries[name]
	return ok
}

// Descriptor rebuilds the descriptor for name called with the serialized args
func (r *Registry) Descriptor(name string, args json.RawMessage) (Descriptor, error) {
	reg, ok := r.entries[name]
	if !ok {
		return Descriptor{}, fmt.Errorf("%w: unknown request %s/%s", domain.ErrMalformedRequest, r.endpoint, name)
	}

	switch reg.kind {
	case KindResource:
		var resourceArgs struct {
			ID string `json:"id"`
		}
		if err := json.Unmarshal(args, &resourceArgs); err != nil {
			return Descriptor{}, fmt.Errorf("%w: invalid resource arguments: %w", domain.ErrMalformedRequest, err)
		}
		typeName, id, err := ParseResourceID(resourceArgs.ID)
		if err != nil {
			return Descriptor{}, err
		}
		return NewResource(r.endpoint, name, typeName, id, reg.codec), nil
	case KindQuery:
		if reg.newArgs == nil {
			var compacted bytes.Buffer
			if err := json.Compact(&compacted, args); err != nil {
				return Descriptor{}, fmt.Errorf("%w: invalid query arguments: %w", domain.ErrMalformedRequest, err)
			}
			payload := compacted.Bytes()
			return Descriptor{
				Key:      queryKey(r.endpoint, name, payload),
				Kind:     KindQuery,
				Endpoint: r.endpoint,
				Name:     name,
				Payload:  payload,
				Response: reg.codec,
			}, nil
		}

		target := reg.newArgs()
		if err := json.Unmarshal(args, target); err != nil {
			return Descriptor{}, fmt.Errorf("%w: invalid query arguments: %w", domain.ErrMalformedRequest, err)
		}
		return NewQuery(r.endpoint, name, target, reg.codec)
	}

	panic(fmt.Sprintf("logic error: unknown request kind %s", reg.kind))
}
