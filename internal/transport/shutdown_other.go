//go:build !unix

package transport

import "errors"

func shutdownWrite(int) error { return errors.ErrUnsupported }
