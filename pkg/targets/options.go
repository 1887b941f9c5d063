package targets

import (
	"maps"
	"slices"
	"strconv"

	"github.com/pkg/errors"
)

// Bool returns the boolean value of the option key, or defaultValue if it is not set.
func (o Options) Bool(key string, defaultValue bool) (bool, error) {
	value, found := o[key]
	if !found {
		return defaultValue, nil
	}
	b, err := strconv.ParseBool(value)
	if err != nil {
		return false, errors.Wrapf(err, "option %q=%q is not a boolean", key, value)
	}
	return b, nil
}

// Int returns the integer value of the option key, or defaultValue if it is not set.
func (o Options) Int(key string, defaultValue int) (int, error) {
	value, found := o[key]
	if !found {
		return defaultValue, nil
	}
	i, err := strconv.Atoi(value)
	if err != nil {
		return 0, errors.Wrapf(err, "option %q=%q is not an integer", key, value)
	}
	return i, nil
}

// CheckKnown returns an error if some option is not one of the known keys.
func (o Options) CheckKnown(known ...string) error {
	for _, key := range slices.Sorted(maps.Keys(o)) {
		if !slices.Contains(known, key) {
			return errors.Errorf("unknown option %q, valid options are %v", key, known)
		}
	}
	return nil
}
