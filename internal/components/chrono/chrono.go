package chrono

import (
	"strconv"
	"time"
)

type API interface {
	Now() time.Time
	Location() *time.Location
}

// Victorian schools report against the Melbourne calendar year.
const schoolTimezone = "Australia/Melbourne"

type StandardImpl struct {
	location *time.Location
}

func NewStandardImpl() (StandardImpl, error) {
	location, err := time.LoadLocation(schoolTimezone)
	if err != nil {
		return StandardImpl{}, err
	}
	return StandardImpl{location: location}, nil
}

func (s StandardImpl) Now() time.Time {
	return time.Now().In(s.location)
}

func (s StandardImpl) Location() *time.Location {
	return s.location
}

// FixedImpl always returns the same instant, it is used in tests.
type FixedImpl struct {
	Time time.Time
}

func (f FixedImpl) Now() time.Time {
	return f.Time
}

func (f FixedImpl) Location() *time.Location {
	return f.Time.Location()
}

// CurrentPeriod returns the academic year that is in progress, which is
// the default reporting period when none is configured.
func CurrentPeriod(api API) string {
	return strconv.Itoa(api.Now().Year())
}
