// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package loopback

import "code.hybscloud.com/atomix"

// Serial is a process-wide monotonically increasing wire identifier.
// Both ends of a wire share the serial, which makes it usable as a
// correlation key in logs on either side.
type Serial = uint32

var counter atomix.Uint32

func nextSerial() Serial {
	return counter.Add(1)
}
