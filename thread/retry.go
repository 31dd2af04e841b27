/*
Copyright © 2020 Marvin

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/
package thread

import (
	"time"
)

const (
	DefaultThreadErrorMaxRetries = 3
	DefaultThreadErrorRetryDelay = 100 * time.Millisecond
)

type RetryConfig struct {
	MaxRetries int
	Delay      time.Duration
	// Multiplier grows the delay after every attempt. Values below 1 are
	// treated as 1 (constant delay).
	Multiplier float64
}

// Retry runs fn up to MaxRetries+1 times, sleeping between attempts with an
// exponentially growing delay. retryable decides whether an error is worth
// another attempt; a non-retryable error is returned immediately.
func Retry(cfg *RetryConfig, retryable func(err error) bool, fn func() error) error {
	delay := cfg.Delay
	multiplier := cfg.Multiplier
	if multiplier < 1 {
		multiplier = 1
	}

	var err error
	for attempt := 0; ; attempt++ {
		err = fn()
		if err == nil {
			return nil
		}
		if attempt >= cfg.MaxRetries || !retryable(err) {
			return err
		}
		time.Sleep(delay)
		delay = time.Duration(float64(delay) * multiplier)
	}
}
