// Copyright 2018 Johan Lindh. All rights reserved.
// Use of this source code is governed by the MIT license, see the LICENSE file.

//go:build race

package duplex

func init() {
	// the race detector instruments every byte copied during
	// reassembly; large messages only slow the tests down.
	MaxMessageSize = 1 << 20
}
