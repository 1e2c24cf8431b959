// Licensed to the LF AI & Data foundation under one
// or more contributor license agreements. See the NOTICE file
// distributed with this work for additional information
// regarding copyright ownership. The ASF licenses this file
// to you under the Apache License, Version 2.0 (the
// "License"); you may not use this file except in compliance
// with the License. You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package merr

import (
	"github.com/cockroachdb/errors"
	"github.com/samber/lo"
)

const (
	CanceledCode int32 = 10000
	TimeoutCode  int32 = 10001
)

// Define leaf errors here,
// WARN: take care to add new error,
// check whether you can use the errors below before adding a new one.
// Name: Err + related prefix + error name
var (
	// Service related
	ErrServiceNotReady        = newZeusError("service not ready", 1, true) // This indicates the service is still in init
	ErrServiceUnavailable     = newZeusError("service unavailable", 2, true)
	ErrServiceTooManyRequests = newZeusError("too many concurrent requests, queue is full", 4, true)
	ErrServiceInternal        = newZeusError("service internal error", 5, false)

	// Entity related
	ErrEntityNotFound = newZeusError("entity not found", 100, false)
	ErrEntityDecode   = newZeusError("entity decode failed", 101, false)
	ErrEntityEncode   = newZeusError("entity encode failed", 102, false)

	// Durable store related
	ErrStoreKeyNotFound = newZeusError("store key not found", 200, false)
	ErrStoreIO          = newZeusError("store IO failed", 201, true)
	ErrStoreClosed      = newZeusError("store already closed", 202, false)
	ErrTableNameInvalid = newZeusError("invalid table name", 203, false)

	// Channel & Select related
	ErrChannelCaptured = newZeusError("channel already captured by another select", 300, false)
	ErrChannelReleased = newZeusError("channel not captured", 301, false)

	// Connection related
	ErrConnNotFound  = newZeusError("connection not found", 400, false)
	ErrConnDuplicate = newZeusError("connection id already registered", 401, false)
	ErrConnClosed    = newZeusError("connection already closed", 402, false)

	// Session related
	ErrSessionNotFound = newZeusError("session not found", 500, false)

	// Gateway related
	ErrServerClosed = newZeusError("server already closed", 600, false)

	// Registry related
	ErrRegistryUnavailable = newZeusError("registry unavailable", 700, true)

	// Parameter related
	ErrParameterInvalid = newZeusError("invalid parameter", 1100, false)
	ErrParameterMissing = newZeusError("missing parameter", 1101, false)

	// Do NOT export this,
	// never allow programmer using this, keep only for converting unknown error to zeusError
	errUnexpected = newZeusError("unexpected error", (1<<16)-1, false)
)

type zeusError struct {
	msg       string
	detail    string
	retriable bool
	errCode   int32
}

func newZeusError(msg string, code int32, retriable bool) zeusError {
	return zeusError{
		msg:       msg,
		detail:    msg,
		retriable: retriable,
		errCode:   code,
	}
}

func (e zeusError) code() int32 {
	return e.errCode
}

func (e zeusError) Error() string {
	return e.msg
}

func (e zeusError) Detail() string {
	return e.detail
}

func (e zeusError) Is(err error) bool {
	cause := errors.Cause(err)
	if cause, ok := cause.(zeusError); ok {
		return e.errCode == cause.errCode
	}
	return false
}

type multiErrors struct {
	errs []error
}

func (e multiErrors) Unwrap() error {
	if len(e.errs) <= 1 {
		return nil
	}
	// To make merr work for multi errors,
	// we need cause of multi errors, which defined as the last error
	if len(e.errs) == 2 {
		return e.errs[1]
	}

	return multiErrors{
		errs: e.errs[1:],
	}
}

func (e multiErrors) Error() string {
	final := e.errs[0]
	for i := 1; i < len(e.errs); i++ {
		final = errors.Wrap(e.errs[i], final.Error())
	}
	return final.Error()
}

func (e multiErrors) Is(err error) bool {
	for _, item := range e.errs {
		if errors.Is(item, err) {
			return true
		}
	}
	return false
}

func Combine(errs ...error) error {
	errs = lo.Filter(errs, func(err error, _ int) bool { return err != nil })
	if len(errs) == 0 {
		return nil
	}
	return multiErrors{
		errs,
	}
}
