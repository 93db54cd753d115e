package serialization

import "reflect"

// TypeName returns the name of the dynamic type of v with pointers removed.
// It is the routing key a value is published under.
func TypeName(v any) string {
	if v == nil {
		return ""
	}
	return nameOf(reflect.TypeOf(v))
}

// TypeNameOf returns the routing key for values of type T
func TypeNameOf[T any]() string {
	return nameOf(reflect.TypeOf((*T)(nil)).Elem())
}

func nameOf(t reflect.Type) string {
	for t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	if name := t.Name(); name != "" {
		return name
	}
	return t.String()
}
