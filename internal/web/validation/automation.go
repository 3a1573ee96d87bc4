// Package validation checks automation requests and turns them into domain automations.
package validation

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"

	"smarthome-automations/internal/models"
	webModels "smarthome-automations/internal/web/models"

	"github.com/go-playground/validator/v10"
	"github.com/santhosh-tekuri/jsonschema/v6"
)

//go:embed flow_metadata.schema.json
var flowMetadataSchema []byte

// DeviceChecker reports whether a device exists
type DeviceChecker interface {
	DeviceExists(ctx context.Context, deviceID string) (bool, error)
}

// Validator validates automation requests
type Validator struct {
	validate *validator.Validate
	flow     *jsonschema.Schema
	devices  DeviceChecker
}

// New creates a validator. Device references are checked against devices.
func New(devices DeviceChecker) (*Validator, error) {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})

	custom := map[string]validator.Func{
		"clock": func(fl validator.FieldLevel) bool {
			_, err := models.ParseClockTime(fl.Field().String())
			return err == nil
		},
		"weekday": func(fl validator.FieldLevel) bool {
			_, err := models.ParseWeekday(fl.Field().String())
			return err == nil
		},
		"operator": func(fl validator.FieldLevel) bool {
			_, err := models.ParseOperator(fl.Field().String())
			return err == nil
		},
	}
	for tag, fn := range custom {
		if err := v.RegisterValidation(tag, fn); err != nil {
			return nil, fmt.Errorf("register %s validation: %w", tag, err)
		}
	}

	flow, err := compileSchema("flow_metadata.schema.json", flowMetadataSchema)
	if err != nil {
		return nil, err
	}
	return &Validator{validate: v, flow: flow, devices: devices}, nil
}

func compileSchema(name string, doc []byte) (*jsonschema.Schema, error) {
	var schemaDoc any
	if err := json.Unmarshal(doc, &schemaDoc); err != nil {
		return nil, fmt.Errorf("failed to unmarshal schema: %w", err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource(name, schemaDoc); err != nil {
		return nil, fmt.Errorf("failed to add resource: %w", err)
	}
	s, err := c.Compile(name)
	if err != nil {
		return nil, fmt.Errorf("failed to compile: %w", err)
	}
	return s, nil
}

// Automation validates req and returns the automation it describes. Validation failures are
// returned as *Error; any other error means a device lookup failed.
func (v *Validator) Automation(ctx context.Context, req *webModels.AutomationRequest) (*models.Automation, error) {
	verr := newError()

	if err := v.validate.Struct(req); err != nil {
		var fieldErrs validator.ValidationErrors
		if !errors.As(err, &fieldErrs) {
			return nil, err
		}
		for _, fe := range fieldErrs {
			path := fieldPath(fe.Namespace())
			verr.Add(path, message(path, fe))
		}
	}

	if !req.IsDraft {
		if len(req.Triggers) == 0 {
			verr.Add("triggers", "At least one trigger is required for an active automation.")
		}
		if len(req.Actions) == 0 {
			verr.Add("actions", "At least one action is required for an active automation.")
		}
	}
	checkValues(req, verr)
	meta := v.flowMetadata(req.FlowMetadata, verr)

	if err := v.checkDevices(ctx, req, verr); err != nil {
		return nil, err
	}
	if !verr.empty() {
		return nil, verr
	}
	return build(req, meta)
}

// fieldPath turns a validator namespace like AutomationRequest.triggers[0].time_at into triggers.0.time_at
func fieldPath(ns string) string {
	if i := strings.IndexByte(ns, '.'); i >= 0 {
		ns = ns[i+1:]
	}
	ns = strings.ReplaceAll(ns, "[", ".")
	return strings.ReplaceAll(ns, "]", "")
}

func sibling(path, field string) string {
	if i := strings.LastIndexByte(path, '.'); i >= 0 {
		return path[:i+1] + field
	}
	return field
}

func message(path string, fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return fmt.Sprintf("The %s field is required.", path)
	case "required_if":
		parts := strings.Fields(fe.Param())
		if len(parts) == 2 {
			return requiredWhen(path, strings.ToLower(parts[0]), parts[1])
		}
		return fmt.Sprintf("The %s field is required.", path)
	case "max":
		switch fe.Kind() {
		case reflect.Slice, reflect.Map:
			return fmt.Sprintf("The %s field must not have more than %s items.", path, fe.Param())
		case reflect.String:
			return fmt.Sprintf("The %s field must not be greater than %s characters.", path, fe.Param())
		}
		return fmt.Sprintf("The %s field must not be greater than %s.", path, fe.Param())
	case "min":
		if fe.Kind() == reflect.String {
			return fmt.Sprintf("The %s field must be at least %s characters.", path, fe.Param())
		}
		return fmt.Sprintf("The %s field must be at least %s.", path, fe.Param())
	case "oneof", "weekday", "operator":
		return fmt.Sprintf("The selected %s is invalid.", path)
	case "clock":
		return fmt.Sprintf("The %s field must match the format HH:mm.", path)
	}
	return fmt.Sprintf("The %s field is invalid.", path)
}

func requiredWhen(path, otherField, value string) string {
	return fmt.Sprintf("The %s field is required when %s is %s.", path, sibling(path, otherField), value)
}

func isScalar(v any) bool {
	switch v.(type) {
	case string, float64, bool, json.Number, int, int64:
		return true
	}
	return false
}

// checkValues covers the type-dependent fields whose valid values include zero values,
// which struct tags cannot express
func checkValues(req *webModels.AutomationRequest, verr *Error) {
	for i, c := range req.Conditions {
		prefix := fmt.Sprintf("conditions.%d.", i)
		switch c.Type {
		case string(models.ConditionSimple):
			if c.Value == nil {
				verr.Add(prefix+"value", requiredWhen(prefix+"value", "type", c.Type))
			} else if !isScalar(c.Value) {
				verr.Add(prefix+"value", fmt.Sprintf("The %svalue field must be a scalar.", prefix))
			}
		case string(models.ConditionDayOfWeek):
			if len(c.DaysOfWeek) == 0 {
				verr.Add(prefix+"days_of_week", requiredWhen(prefix+"days_of_week", "type", c.Type))
			}
		}
	}
	for i, a := range req.Actions {
		prefix := fmt.Sprintf("actions.%d.", i)
		switch a.Type {
		case string(models.ActionMQTTPublish):
			if a.MQTTPayload == nil {
				verr.Add(prefix+"mqtt_payload", requiredWhen(prefix+"mqtt_payload", "type", a.Type))
			}
		case string(models.ActionDeviceControl), string(models.ActionLog):
			if a.Value == nil {
				verr.Add(prefix+"value", requiredWhen(prefix+"value", "type", a.Type))
			}
		}
	}
}

func (v *Validator) flowMetadata(raw json.RawMessage, verr *Error) *models.FlowMetadata {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		verr.Add("flow_metadata", "The flow_metadata field must be a valid JSON object.")
		return nil
	}
	if err := v.flow.Validate(doc); err != nil {
		verr.Add("flow_metadata", "The flow_metadata field format is invalid.")
		return nil
	}
	var meta models.FlowMetadata
	if err := json.Unmarshal(raw, &meta); err != nil {
		verr.Add("flow_metadata", "The flow_metadata field format is invalid.")
		return nil
	}
	return &meta
}

func (v *Validator) checkDevices(ctx context.Context, req *webModels.AutomationRequest, verr *Error) error {
	known := map[string]bool{}
	check := func(path, id string) error {
		if id == "" || len(verr.Errors[path]) > 0 {
			return nil
		}
		exists, ok := known[id]
		if !ok {
			var err error
			exists, err = v.devices.DeviceExists(ctx, id)
			if err != nil {
				return fmt.Errorf("check device %s: %w", id, err)
			}
			known[id] = exists
		}
		if !exists {
			verr.Add(path, fmt.Sprintf("The selected %s is invalid.", path))
		}
		return nil
	}

	for i, t := range req.Triggers {
		if t.Type == string(models.TriggerStateChange) {
			if err := check(fmt.Sprintf("triggers.%d.device_id", i), t.DeviceID); err != nil {
				return err
			}
		}
	}
	for i, c := range req.Conditions {
		if c.Type == string(models.ConditionSimple) {
			if err := check(fmt.Sprintf("conditions.%d.device_id", i), c.DeviceID); err != nil {
				return err
			}
		}
	}
	for i, a := range req.Actions {
		if a.Type == string(models.ActionDeviceControl) {
			if err := check(fmt.Sprintf("actions.%d.device_id", i), a.DeviceID); err != nil {
				return err
			}
		}
	}
	return nil
}
