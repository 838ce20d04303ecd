// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package pmq

import "code.hybscloud.com/iox"

// ErrEmpty is returned by Dequeue when the queue currently has no element
// to remove. It is a control flow signal, not a failure: the caller should
// retry later, with backoff, rather than propagating it as an error.
//
// This is an alias for [iox.ErrWouldBlock] for ecosystem consistency — the
// queue's "would block" condition is always "empty", since Enqueue never
// blocks.
var ErrEmpty = iox.ErrWouldBlock

// IsEmpty reports whether err indicates Dequeue found nothing to remove.
// Delegates to [iox.IsWouldBlock] for wrapped error support.
func IsEmpty(err error) bool {
	return iox.IsWouldBlock(err)
}

// IsSemantic reports whether err is a control flow signal rather than a
// failure. Delegates to [iox.IsSemantic].
func IsSemantic(err error) bool {
	return iox.IsSemantic(err)
}

// IsNonFailure reports whether err represents a non-failure condition.
// Delegates to [iox.IsNonFailure].
func IsNonFailure(err error) bool {
	return iox.IsNonFailure(err)
}
