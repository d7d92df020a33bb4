package database

import (
	"reflect"

	"github.com/google/uuid"
	"github.com/invopop/jsonschema"
	"github.com/lfinteractive/rhinodb/internal/storage"
)

// ManifestSchema returns the JSON Schema of a database manifest.
func ManifestSchema() *jsonschema.Schema {
	r := jsonschema.Reflector{
		Anonymous:      true,
		DoNotReference: true,
		Mapper:         mapType,
	}
	s := r.Reflect(&Manifest{})
	s.Title = "Database manifest"
	s.Description = "Metadata of one database, stored at Databases/<id[:2]>/<id>/manifest."
	return s
}

// RegistrySchema returns the JSON Schema of the registry manifest, an object
// mapping identifiers to names.
func RegistrySchema() *jsonschema.Schema {
	minLen := uint64(1)
	return &jsonschema.Schema{
		Version:              jsonschema.Version,
		Title:                "Database registry",
		Description:          "Index of all flushed databases, stored at db-list.",
		Type:                 "object",
		PropertyNames:        uuidSchema(),
		AdditionalProperties: &jsonschema.Schema{Type: "string", MinLength: &minLen},
	}
}

func mapType(t reflect.Type) *jsonschema.Schema {
	switch t {
	case reflect.TypeFor[uuid.UUID]():
		return uuidSchema()
	case reflect.TypeFor[storage.Time]():
		return &jsonschema.Schema{Type: "string", Format: "date-time"}
	}
	return nil
}

func uuidSchema() *jsonschema.Schema {
	return &jsonschema.Schema{Type: "string", Format: "uuid"}
}
