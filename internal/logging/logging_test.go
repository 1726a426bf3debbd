// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package logging

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewNonVerbose(t *testing.T) {
	logger, err := New(Options{})
	require.NoError(t, err)
	assert.False(t, logger.IsZero())
}

func TestNewVerbose(t *testing.T) {
	logger, err := New(Options{Verbose: true})
	require.NoError(t, err)
	assert.False(t, logger.IsZero())
}

func TestFacilityPriorityRejectsUnknown(t *testing.T) {
	_, err := facilityPriority("not-a-facility")
	assert.Error(t, err)
}

func TestFacilityPriorityAcceptsKnown(t *testing.T) {
	_, err := facilityPriority("local0")
	assert.NoError(t, err)
}
