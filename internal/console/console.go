// Copyright 2025 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package console adapts a reader/writer pair into the line-buffered
// console behind descriptors 0 and 1.
package console

import (
	"bufio"
	"io"
	"sync"
)

type Console struct {
	mu  sync.Mutex
	in  *bufio.Reader
	out io.Writer
}

func New(in io.Reader, out io.Writer) *Console {
	return &Console{
		in:  bufio.NewReader(in),
		out: out,
	}
}

// Getc consumes one character of input. At end of input it returns 0, the
// way a closed terminal reads.
func (c *Console) Getc() byte {
	c.mu.Lock()
	defer c.mu.Unlock()

	b, err := c.in.ReadByte()
	if err != nil {
		return 0
	}

	return b
}

// Write puts buf on the console.
func (c *Console) Write(buf []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.out.Write(buf)
}
