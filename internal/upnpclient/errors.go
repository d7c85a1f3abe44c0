// SPDX-License-Identifier: GPL-3.0-or-later

package upnpclient

import (
	"errors"
	"fmt"

	"github.com/huin/goupnp/soap"
)

// ErrActionNotAuthorized wraps UPnP error 606: the IGD refuses to
// perform the action for this client. Not retriable.
var ErrActionNotAuthorized = errors.New("upnpclient: action not authorized")

// ErrNoSuchMapping wraps UPnP error 714: the IGD no longer knows the
// mapping being renewed or released. Recoverable by a fresh acquisition.
var ErrNoSuchMapping = errors.New("upnpclient: no such mapping")

// upnpErrorActionNotAuthorized and upnpErrorNoSuchEntry are the UPnP
// device architecture error codes carried in a SOAP fault detail.
const (
	upnpErrorActionNotAuthorized = 606
	upnpErrorNoSuchEntry         = 714
)

// classifyError maps a SOAP fault onto the sentinel errors the Prober's
// failure semantics distinguish, leaving every other error untouched
// (and therefore retriable).
func classifyError(err error) error {
	if err == nil {
		return nil
	}
	var fault *soap.SOAPFaultError
	if !errors.As(err, &fault) {
		return err
	}
	switch fault.Detail.UPnPError.Errorcode {
	case upnpErrorActionNotAuthorized:
		return fmt.Errorf("%w: %s", ErrActionNotAuthorized, fault.Detail.UPnPError.ErrorDescription)
	case upnpErrorNoSuchEntry:
		return fmt.Errorf("%w: %s", ErrNoSuchMapping, fault.Detail.UPnPError.ErrorDescription)
	default:
		return err
	}
}
