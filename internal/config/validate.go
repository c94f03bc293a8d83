package config

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"

	"geoipd/internal/logging"
	"geoipd/internal/lookup"
)

var (
	validate     *validator.Validate
	validateOnce sync.Once
)

var editionPattern = regexp.MustCompile(`^[A-Za-z0-9-]+$`)

func getValidator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
		// Edition names become file name prefixes and URL path segments.
		_ = validate.RegisterValidation("edition", func(fl validator.FieldLevel) bool {
			return editionPattern.MatchString(fl.Field().String())
		})
	})
	return validate
}

// Validate checks field constraints and the free-form strings that are parsed
// later (component log levels, locale fallbacks).
func (c *Config) Validate() error {
	if err := getValidator().Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			return fieldErrors(verrs)
		}
		return err
	}

	seen := make(map[string]bool, len(c.MaxMind.Editions))
	for _, e := range c.MaxMind.Editions {
		if seen[e] {
			return fmt.Errorf("maxmind.editions: %q listed twice", e)
		}
		seen[e] = true
	}
	if _, err := logging.ParseComponentLevels(c.Log.Levels); err != nil {
		return fmt.Errorf("log.levels: %w", err)
	}
	if _, err := lookup.ParseFallbacks(c.Lookup.Fallbacks); err != nil {
		return fmt.Errorf("lookup.fallbacks: %w", err)
	}
	return nil
}

func fieldErrors(verrs validator.ValidationErrors) error {
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		switch fe.Tag() {
		case "required":
			msgs = append(msgs, fmt.Sprintf("%s is required", fe.Namespace()))
		case "required_with":
			msgs = append(msgs, fmt.Sprintf("%s is required when %s is set", fe.Namespace(), fe.Param()))
		case "edition":
			msgs = append(msgs, fmt.Sprintf("%s: invalid edition name %q", fe.Namespace(), fe.Value()))
		default:
			if fe.Param() != "" {
				msgs = append(msgs, fmt.Sprintf("%s must satisfy %s=%s", fe.Namespace(), fe.Tag(), fe.Param()))
			} else {
				msgs = append(msgs, fmt.Sprintf("%s must satisfy %s", fe.Namespace(), fe.Tag()))
			}
		}
	}
	return errors.New(strings.Join(msgs, "; "))
}

// LocalePolicy converts the lookup settings. Validate must have succeeded.
func (c *Config) LocalePolicy() lookup.LocalePolicy {
	fallbacks, _ := lookup.ParseFallbacks(c.Lookup.Fallbacks)
	return lookup.LocalePolicy{Default: c.Lookup.DefaultLocale, Fallbacks: fallbacks}
}
