// Copyright 2022-2025 The Parca Authors
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package memtrace

// Reporter consumes decoded allocation records on the consumer side, one
// record per call in stream order.
type Reporter interface {
	// Consume reports a single record.
	Consume(rec *AllocationRecord) error
	// Flush finalizes whatever the reporter accumulated. Called once after
	// the record sequence ends.
	Flush() error
}

// Report drains a reader into a reporter and flushes it. The reader's
// terminal fault, if any, is returned after the flush.
func Report(r *Reader, rep Reporter) error {
	for rec := range r.Records() {
		if err := rep.Consume(rec); err != nil {
			return err
		}
	}
	if err := rep.Flush(); err != nil {
		return err
	}
	return r.Err()
}
