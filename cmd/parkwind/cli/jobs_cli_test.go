package cli

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"

	"github.com/parkwind/parkwind/jobs"
)

func TestTriggerRecurringRun(t *testing.T) {
	mr := miniredis.RunT(t)
	cli, err := NewJobsCLI(mr.Addr())
	require.NoError(t, err)
	t.Cleanup(func() { _ = cli.Close() })

	info, err := cli.Trigger(context.Background(), jobs.TaskRecurringInvoiceRun)
	require.NoError(t, err)
	require.Equal(t, jobs.TaskRecurringInvoiceRun, info.Type)
	require.Equal(t, jobs.QueueDefault, info.Queue)

	stats, err := cli.InspectQueue(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, stats.Pending)
}

func TestTriggerUnsupportedJob(t *testing.T) {
	mr := miniredis.RunT(t)
	cli, err := NewJobsCLI(mr.Addr())
	require.NoError(t, err)
	t.Cleanup(func() { _ = cli.Close() })

	_, err = cli.Trigger(context.Background(), "unknown:job")
	require.Error(t, err)
}
