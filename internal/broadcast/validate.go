package broadcast

import (
	"errors"
	"fmt"
	"math"
	"reflect"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"

	"fleettrack/internal/model"
)

// ErrInvalidSample is returned for samples with missing fields or coordinates
// out of range. Such samples are rejected synchronously and never retried.
var ErrInvalidSample = errors.New("invalid sample")

var (
	validate     *validator.Validate
	validateOnce sync.Once
)

func getValidator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
		validate.RegisterTagNameFunc(func(f reflect.StructField) string {
			name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
			if name == "" || name == "-" {
				return f.Name
			}
			return name
		})
	})
	return validate
}

// Validate checks a sample before ingest. The returned error wraps
// ErrInvalidSample and names each failing field.
func Validate(s model.PositionSample) error {
	if math.IsNaN(s.Latitude) || math.IsNaN(s.Longitude) {
		return fmt.Errorf("%w: coordinates must be numbers", ErrInvalidSample)
	}
	err := getValidator().Struct(s)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("%w: %v", ErrInvalidSample, err)
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, fieldMessage(fe))
	}
	return fmt.Errorf("%w: %s", ErrInvalidSample, strings.Join(msgs, "; "))
}

// SampleFrom converts an operator update into a sample for operatorID and
// validates it.
func SampleFrom(p model.LocationUpdatePayload, operatorID string) (model.PositionSample, error) {
	s, err := p.Sample(operatorID)
	if err != nil {
		return model.PositionSample{}, fmt.Errorf("%w: %w", ErrInvalidSample, err)
	}
	if err := Validate(s); err != nil {
		return model.PositionSample{}, err
	}
	return s, nil
}

func fieldMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return fe.Field() + " is required"
	case "gte":
		return fmt.Sprintf("%s must be >= %s", fe.Field(), fe.Param())
	case "lte":
		return fmt.Sprintf("%s must be <= %s", fe.Field(), fe.Param())
	case "lt":
		return fmt.Sprintf("%s must be < %s", fe.Field(), fe.Param())
	case "max":
		return fmt.Sprintf("%s must be at most %s characters", fe.Field(), fe.Param())
	default:
		return fmt.Sprintf("%s failed %s", fe.Field(), fe.Tag())
	}
}
