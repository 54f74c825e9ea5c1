package envelope

import (
	"fmt"
	"reflect"
	"strings"
)

// CheckCloneable reports whether v is plain data that can be copied across a transport.
func CheckCloneable(v any) error {
	return checkCloneable("$", v)
}

func checkCloneable(path string, v any) error {
	return walkCloneable(reflect.ValueOf(v), path, map[visit]struct{}{})
}

type visit struct {
	ptr uintptr
	typ reflect.Type
}

// walkCloneable only tracks ancestors, so shared references that are not cycles are accepted.
func walkCloneable(v reflect.Value, path string, ancestors map[visit]struct{}) error {
	if !v.IsValid() {
		return nil
	}

	switch v.Kind() {
	case reflect.Func, reflect.Chan, reflect.UnsafePointer, reflect.Complex64, reflect.Complex128:
		return &NotCloneableError{Path: path, Kind: v.Kind()}

	case reflect.Interface:
		if v.IsNil() {
			return nil
		}
		return walkCloneable(v.Elem(), path, ancestors)

	case reflect.Pointer, reflect.Map, reflect.Slice:
		if v.IsNil() {
			return nil
		}
		if v.Kind() == reflect.Slice && v.Type().Elem().Kind() == reflect.Uint8 {
			return nil
		}
		key := visit{ptr: v.Pointer(), typ: v.Type()}
		if _, ok := ancestors[key]; ok {
			return &NotCloneableError{Path: path, Kind: v.Kind(), Cycle: true}
		}
		ancestors[key] = struct{}{}
		defer delete(ancestors, key)

		switch v.Kind() {
		case reflect.Pointer:
			return walkCloneable(v.Elem(), path, ancestors)
		case reflect.Map:
			iter := v.MapRange()
			for iter.Next() {
				if err := walkCloneable(iter.Value(), fmt.Sprintf("%s[%v]", path, iter.Key()), ancestors); err != nil {
					return err
				}
			}
			return nil
		default:
			return walkElems(v, path, ancestors)
		}

	case reflect.Array:
		return walkElems(v, path, ancestors)

	case reflect.Struct:
		t := v.Type()
		for i := 0; i < t.NumField(); i++ {
			field := t.Field(i)
			if !field.IsExported() {
				continue
			}
			name := field.Name
			if tag, ok := field.Tag.Lookup("json"); ok {
				tagName, _, _ := strings.Cut(tag, ",")
				if tagName == "-" {
					continue
				}
				if tagName != "" {
					name = tagName
				}
			}
			if err := walkCloneable(v.Field(i), path+"."+name, ancestors); err != nil {
				return err
			}
		}
	}
	return nil
}

func walkElems(v reflect.Value, path string, ancestors map[visit]struct{}) error {
	for i := 0; i < v.Len(); i++ {
		if err := walkCloneable(v.Index(i), fmt.Sprintf("%s[%d]", path, i), ancestors); err != nil {
			return err
		}
	}
	return nil
}
