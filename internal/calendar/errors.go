package calendar

import (
	"net/http"
	"strings"

	"github.com/pkg/errors"
	"google.golang.org/api/googleapi"

	"github.com/beekhof/calsync/internal/syncerr"
)

// reasonPushNotSupported is returned for calendars (holidays, birthdays) that
// cannot be watched.
const reasonPushNotSupported = "pushNotSupportedForRequestedResource"

// IsPushNotSupported reports whether err is the provider refusing a watch for
// a calendar type without push support.
func IsPushNotSupported(err error) bool {
	var gerr *googleapi.Error
	if !errors.As(err, &gerr) {
		return false
	}
	for _, item := range gerr.Errors {
		if item.Reason == reasonPushNotSupported {
			return true
		}
	}
	return strings.Contains(strings.ToLower(gerr.Message), "push notifications are not supported")
}

// IsNotFound reports whether err is a 404 or 410 from the provider.
func IsNotFound(err error) bool {
	code := StatusCode(err)
	return code == http.StatusNotFound || code == http.StatusGone
}

// StatusCode returns the HTTP status carried by a provider error, or 0.
func StatusCode(err error) int {
	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		return gerr.Code
	}
	return 0
}

func providerErr(op string, err error) error {
	return syncerr.Provider(op, errors.Wrapf(err, "failed to call %s", op))
}
