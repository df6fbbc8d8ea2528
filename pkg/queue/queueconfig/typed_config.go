/*
Copyright 2025 The UniMQ Authors

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package queueconfig

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"runtime/debug"
	"strings"
	"time"

	"github.com/spf13/cast"
)

// CustomValidator lets a metadata struct run cross-field checks after all
// parameters are populated.
type CustomValidator interface {
	Validate() error
}

// ParsingOrder is the order in which parameter sources are consulted.
type ParsingOrder string

// Valid parsing orders.
const (
	Settings    ParsingOrder = "settings"
	ResolvedEnv ParsingOrder = "resolvedEnv"
	AuthParams  ParsingOrder = "authParams"
)

var allowedParsingOrderMap = map[ParsingOrder]bool{
	Settings:    true,
	ResolvedEnv: true,
	AuthParams:  true,
}

// separators for the field tag structure
// e.g. name=tableName,order=settings;authParams,optional,default=q
const (
	tagSeparator      = ","
	tagKeySeparator   = "="
	tagValueSeparator = ";"
)

const elemKeyValSeparator = "="

// field tag parameters
const (
	optionalTag  = "optional"
	defaultTag   = "default"
	orderTag     = "order"
	nameTag      = "name"
	enumTag      = "enum"
	rangeTag     = "range"
	separatorTag = "separator"
)

// params is the parsed form of one `queue` field tag.
type params struct {
	FieldName      string
	Names          []string
	Optional       bool
	Order          []ParsingOrder
	Default        string
	Enum           []string
	RangeSeparator string
	Separator      string
}

func (p params) Name() string {
	return strings.Join(p.Names, ",")
}

func (p params) IsNested() bool {
	return len(p.Names) == 0
}

// TypedConfig unmarshals Settings, ResolvedEnv and AuthParams into the
// provided struct, whose fields declare their parsing rules through `queue`
// tags.
func (c *Config) TypedConfig(typedConfig any) (err error) {
	defer func() {
		if r := recover(); r != nil {
			// Reflection can panic on exotic field types; reject the config
			// instead of taking the process down.
			err = fmt.Errorf("failed to parse typed config %T resulted in panic\n%v", r, string(debug.Stack()))
		}
	}()

	_, err = c.parseTypedConfig(typedConfig, false)
	return
}

// parseTypedConfig walks the struct fields; called recursively for nested
// structures.
func (c *Config) parseTypedConfig(typedConfig any, parentOptional bool) ([]string, error) {
	t := reflect.TypeOf(typedConfig)
	if t.Kind() != reflect.Pointer {
		return nil, fmt.Errorf("typedConfig must be a pointer")
	}
	t = t.Elem()
	if t.Kind() != reflect.Struct {
		return nil, fmt.Errorf("typedConfig must be a struct")
	}
	v := reflect.ValueOf(typedConfig).Elem()

	errs := []error{}
	parsedParamNames := []string{}

	for i := 0; i < t.NumField(); i++ {
		fieldType := t.Field(i)
		fieldValue := v.Field(i)

		tag, exists := fieldType.Tag.Lookup("queue")
		if !exists {
			continue
		}
		tagParams, err := paramsFromTag(tag, fieldType)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		tagParams.Optional = tagParams.Optional || parentOptional
		parsed, err := c.setValue(fieldValue, tagParams)
		if err != nil {
			errs = append(errs, err)
		} else {
			parsedParamNames = append(parsedParamNames, parsed...)
		}
	}

	if validator, ok := typedConfig.(CustomValidator); ok {
		if err := validator.Validate(); err != nil {
			errs = append(errs, err)
		}
	}
	return parsedParamNames, errors.Join(errs...)
}

// setValue populates one field according to its tag params.
func (c *Config) setValue(field reflect.Value, p params) ([]string, error) {
	valFromConfig, exists := c.paramValue(p)
	if !exists && p.Default != "" {
		exists = true
		valFromConfig = p.Default
	}
	if !exists && p.Optional {
		return nil, nil
	}
	if !exists && !p.Optional {
		if len(p.Order) == 0 {
			return nil, fmt.Errorf("missing required parameter %q, no 'order' tag given", p.Name())
		}
		return nil, fmt.Errorf("missing required parameter %q in %v", p.Name(), p.Order)
	}
	if p.Enum != nil {
		enumMap := make(map[string]bool)
		for _, e := range p.Enum {
			enumMap[e] = true
		}
		for _, s := range splitWithSeparator(valFromConfig, p.Separator) {
			if !enumMap[strings.TrimSpace(s)] {
				return nil, fmt.Errorf("parameter %q value %q must be one of %v", p.Name(), valFromConfig, p.Enum)
			}
		}
	}
	if p.IsNested() {
		for field.Kind() == reflect.Ptr {
			field.Set(reflect.New(field.Type().Elem()))
			field = field.Elem()
		}
		if field.Kind() != reflect.Struct {
			return nil, fmt.Errorf("nested parameter %q must be a struct, has kind %q", p.FieldName, field.Kind())
		}
		return c.parseTypedConfig(field.Addr().Interface(), p.Optional)
	}
	if err := setConfigValueHelper(p, valFromConfig, field); err != nil {
		return nil, fmt.Errorf("unable to set param %q value %q: %w", p.Name(), valFromConfig, err)
	}
	return []string{p.Name()}, nil
}

// setConfigValueMap populates a map field from "k=v" pairs.
func setConfigValueMap(p params, valFromConfig string, field reflect.Value) error {
	field.Set(reflect.MakeMap(reflect.MapOf(field.Type().Key(), field.Type().Elem())))
	for _, s := range splitWithSeparator(valFromConfig, p.Separator) {
		s := strings.TrimSpace(s)
		kv := strings.SplitN(s, elemKeyValSeparator, 2)
		if len(kv) != 2 {
			return fmt.Errorf("expected format key%svalue, got %q", elemKeyValSeparator, s)
		}
		key := strings.TrimSpace(kv[0])
		val := strings.TrimSpace(kv[1])
		ifcKeyElem := reflect.New(field.Type().Key()).Elem()
		if err := setConfigValueHelper(p, key, ifcKeyElem); err != nil {
			return fmt.Errorf("map key %q: %w", key, err)
		}
		ifcValueElem := reflect.New(field.Type().Elem()).Elem()
		if err := setConfigValueHelper(p, val, ifcValueElem); err != nil {
			return fmt.Errorf("map key %q, value %q: %w", key, val, err)
		}
		field.SetMapIndex(ifcKeyElem, ifcValueElem)
	}
	return nil
}

func canRange(valFromConfig, elemRangeSeparator string, field reflect.Value) bool {
	if elemRangeSeparator == "" {
		return false
	}
	if field.Kind() != reflect.Slice {
		return false
	}
	elemIfc := reflect.New(field.Type().Elem()).Interface()
	elemVal := reflect.ValueOf(elemIfc).Elem()
	if !elemVal.CanInt() {
		return false
	}
	return strings.Contains(valFromConfig, elemRangeSeparator)
}

func splitWithSeparator(valFromConfig, customSeparator string) []string {
	separator := ","
	if customSeparator != "" {
		separator = customSeparator
	}
	return strings.Split(valFromConfig, separator)
}

// setConfigValueRange expands "start-end" into consecutive integer elements.
func setConfigValueRange(p params, valFromConfig string, field reflect.Value) error {
	rangeSplit := strings.Split(valFromConfig, p.RangeSeparator)
	if len(rangeSplit) != 2 {
		return fmt.Errorf("expected format start%send, got %q", p.RangeSeparator, valFromConfig)
	}
	start, err := cast.ToInt64E(strings.TrimSpace(rangeSplit[0]))
	if err != nil {
		return fmt.Errorf("unable to parse start value %q: %w", rangeSplit[0], err)
	}
	end, err := cast.ToInt64E(strings.TrimSpace(rangeSplit[1]))
	if err != nil {
		return fmt.Errorf("unable to parse end value %q: %w", rangeSplit[1], err)
	}
	for i := start; i <= end; i++ {
		elemVal := reflect.New(field.Type().Elem()).Elem()
		elemVal.SetInt(i)
		field.Set(reflect.Append(field, elemVal))
	}
	return nil
}

func setConfigValueSlice(p params, valFromConfig string, field reflect.Value) error {
	elemIfc := reflect.New(field.Type().Elem()).Interface()
	for i, s := range splitWithSeparator(valFromConfig, p.Separator) {
		s := strings.TrimSpace(s)
		if canRange(s, p.RangeSeparator, field) {
			if err := setConfigValueRange(p, s, field); err != nil {
				return fmt.Errorf("slice element %d: %w", i, err)
			}
			continue
		}
		if err := setConfigValueHelper(p, s, reflect.ValueOf(elemIfc).Elem()); err != nil {
			return fmt.Errorf("slice element %d: %w", i, err)
		}
		field.Set(reflect.Append(field, reflect.ValueOf(elemIfc).Elem()))
	}
	return nil
}

// setConfigValueHelper assigns one string value to a field of arbitrary
// supported type.
func setConfigValueHelper(p params, valFromConfig string, field reflect.Value) error {
	paramValue := reflect.ValueOf(valFromConfig)
	if paramValue.Type().AssignableTo(field.Type()) {
		field.SetString(valFromConfig)
		return nil
	}
	if field.Type() == reflect.TypeOf(time.Duration(0)) {
		// Duration strings first, bare numbers are milliseconds.
		if duration, err := time.ParseDuration(valFromConfig); err == nil {
			if duration < 0 {
				return fmt.Errorf("duration cannot be negative: %q", valFromConfig)
			}
			field.Set(reflect.ValueOf(duration))
			return nil
		}
		ms, err := cast.ToInt64E(valFromConfig)
		if err != nil {
			return fmt.Errorf("unable to parse duration value %q: must be a duration string (e.g. '30s') or a number of milliseconds", valFromConfig)
		}
		if ms < 0 {
			return fmt.Errorf("duration cannot be negative: %d milliseconds", ms)
		}
		field.Set(reflect.ValueOf(time.Duration(ms) * time.Millisecond))
		return nil
	}
	if field.Kind() == reflect.Map {
		return setConfigValueMap(p, valFromConfig, field)
	}
	if field.Kind() == reflect.Slice {
		return setConfigValueSlice(p, valFromConfig, field)
	}
	switch field.Kind() {
	case reflect.Bool:
		val, err := cast.ToBoolE(valFromConfig)
		if err != nil {
			return fmt.Errorf("unable to parse boolean value %q: %w", valFromConfig, err)
		}
		field.SetBool(val)
		return nil
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		val, err := cast.ToInt64E(valFromConfig)
		if err != nil {
			return fmt.Errorf("unable to parse integer value %q: %w", valFromConfig, err)
		}
		field.SetInt(val)
		return nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		val, err := cast.ToUint64E(valFromConfig)
		if err != nil {
			return fmt.Errorf("unable to parse unsigned integer value %q: %w", valFromConfig, err)
		}
		field.SetUint(val)
		return nil
	case reflect.Float32, reflect.Float64:
		val, err := cast.ToFloat64E(valFromConfig)
		if err != nil {
			return fmt.Errorf("unable to parse float value %q: %w", valFromConfig, err)
		}
		field.SetFloat(val)
		return nil
	default:
	}
	if paramValue.Type().ConvertibleTo(field.Type()) {
		field.Set(paramValue.Convert(field.Type()))
		return nil
	}
	if field.CanInterface() {
		ifc := reflect.New(field.Type()).Interface()
		if err := json.Unmarshal([]byte(valFromConfig), &ifc); err != nil {
			return fmt.Errorf("unable to unmarshal to field type %v: %w", field.Type(), err)
		}
		field.Set(reflect.ValueOf(ifc).Elem())
		return nil
	}
	return fmt.Errorf("unable to find matching parser for field type %v", field.Type())
}

// paramValue resolves a parameter through the declared parsing order.
func (c *Config) paramValue(p params) (string, bool) {
	for _, po := range p.Order {
		var m map[string]string
		for _, key := range p.Names {
			switch po {
			case Settings:
				m = c.Settings
			case AuthParams:
				m = c.AuthParams
			case ResolvedEnv:
				m = c.ResolvedEnv
				key = c.Settings[fmt.Sprintf("%sFromEnv", key)]
			default:
				return "", false
			}
			param, ok := m[key]
			param = strings.TrimSpace(param)
			if ok && param != "" {
				return param, true
			}
		}
	}
	return "", p.IsNested()
}

// paramsFromTag parses one `queue` field tag.
func paramsFromTag(tag string, field reflect.StructField) (params, error) {
	p := params{FieldName: field.Name}
	for _, ts := range strings.Split(tag, tagSeparator) {
		tsplit := strings.Split(ts, tagKeySeparator)
		tsplit[0] = strings.TrimSpace(tsplit[0])
		switch tsplit[0] {
		case optionalTag:
			if len(tsplit) == 1 {
				p.Optional = true
			}
			if len(tsplit) > 1 {
				p.Optional, _ = cast.ToBoolE(strings.TrimSpace(tsplit[1]))
			}
		case orderTag:
			if len(tsplit) > 1 {
				for _, po := range strings.Split(tsplit[1], tagValueSeparator) {
					poTyped := ParsingOrder(strings.TrimSpace(po))
					if !allowedParsingOrderMap[poTyped] {
						return p, fmt.Errorf("unknown parsing order value %s, has to be one of [%s %s %s]", po, AuthParams, ResolvedEnv, Settings)
					}
					p.Order = append(p.Order, poTyped)
				}
			}
		case nameTag:
			if len(tsplit) > 1 {
				p.Names = strings.Split(strings.TrimSpace(tsplit[1]), tagValueSeparator)
			}
		case defaultTag:
			if len(tsplit) > 1 {
				p.Default = strings.TrimSpace(tsplit[1])
			}
		case enumTag:
			if len(tsplit) > 1 {
				p.Enum = strings.Split(tsplit[1], tagValueSeparator)
			}
		case rangeTag:
			if len(tsplit) == 1 {
				p.RangeSeparator = "-"
			}
			if len(tsplit) == 2 {
				p.RangeSeparator = strings.TrimSpace(tsplit[1])
			}
		case separatorTag:
			if len(tsplit) > 1 {
				p.Separator = strings.TrimSpace(tsplit[1])
			}
		case "":
			continue
		default:
			return p, fmt.Errorf("unknown tag param %s: %s", tsplit[0], tag)
		}
	}
	return p, nil
}
