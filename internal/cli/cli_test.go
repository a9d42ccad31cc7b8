package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/test/bufconn"

	"schedula/replica/internal/auth"
	"schedula/replica/internal/service/authority"
	transport "schedula/replica/internal/transport/grpc"
)

const seedYAML = `
users:
  - username: admin
    password: admin-pw
    admin: true
  - username: carol
    password: carol-pw
    firstname: Carol
    surname: Jones
    refresh_interval: 45s
  - username: dave
    password: dave-pw
allocatables:
  - name: Room 1
    category: room
  - name: Room 2
    category: room
reservations:
  - name: Staff meeting
    owner: carol
    allocatables: [Room 1]
    appointments:
      - start: 2030-03-04T09:00:00Z
        end: 2030-03-04T10:00:00Z
        repeating:
          frequency: weekly
          count: 4
  - name: Interview
    owner: dave
    allocatables: [Room 1]
    appointments:
      - start: 2030-03-04T09:30:00Z
        end: 2030-03-04T10:30:00Z
  - name: Workshop
    owner: dave
    allocatables: [Room 2]
    annotations:
      template: Workshop series
    appointments:
      - start: 2030-03-05T13:00:00Z
        end: 2030-03-05T15:00:00Z
`

var testNow = time.Date(2030, 3, 1, 8, 0, 0, 0, time.UTC)

func startServer(t *testing.T) Connector {
	t.Helper()
	ctx := context.Background()
	discard := slog.New(slog.NewTextHandler(io.Discard, nil))

	issuer, err := auth.NewIssuer([]byte("0123456789abcdef0123456789abcdef"), "test")
	require.NoError(t, err)
	a, err := authority.New(ctx, nil, issuer, authority.Options{Logger: discard})
	require.NoError(t, err)
	seed, err := authority.ReadSeed(strings.NewReader(seedYAML))
	require.NoError(t, err)
	require.NoError(t, a.ApplySeed(ctx, seed))

	lis := bufconn.Listen(1 << 20)
	srv := grpc.NewServer(grpc.UnaryInterceptor(transport.AuthInterceptor(a, discard)))
	transport.NewStorageServer(a, discard).Register(srv)
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)

	t.Chdir(t.TempDir())
	t.Setenv("SCHEDULA_SERVER", "passthrough:///bufnet")
	t.Setenv("SCHEDULA_USER", "carol")
	t.Setenv("SCHEDULA_PASSWORD", "carol-pw")

	return DialConnector(grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
		return lis.DialContext(ctx)
	}))
}

func run(t *testing.T, connect Connector, args ...string) (string, error) {
	t.Helper()
	cmd := NewRootCommand(connect)
	buf := &bytes.Buffer{}
	cmd.SetOut(buf)
	cmd.SetErr(io.Discard)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return buf.String(), err
}

func TestRootCommand(t *testing.T) {
	cmd := NewRootCommand(nil)
	require.NotNil(t, cmd)
	assert.Equal(t, "schedula", cmd.Use)

	for _, name := range []string{"status", "watch", "reservations", "conflicts", "templates", "next-slot", "export"} {
		t.Run(name, func(t *testing.T) {
			sub, _, err := cmd.Find([]string{name})
			require.NoError(t, err)
			assert.Equal(t, name, sub.Name())
		})
	}

	formatFlag := cmd.PersistentFlags().Lookup("format")
	require.NotNil(t, formatFlag)
	assert.Equal(t, "text", formatFlag.DefValue)
}

func TestInvalidFormat(t *testing.T) {
	t.Chdir(t.TempDir())
	_, err := run(t, nil, "status", "--format", "xml")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestStatus(t *testing.T) {
	connect := startServer(t)

	out, err := run(t, connect, "status")
	require.NoError(t, err)
	assert.Contains(t, out, "Carol Jones (carol)")
	assert.Contains(t, out, "Refresh interval: 45s")

	out, err = run(t, connect, "status", "--format", "json")
	require.NoError(t, err)
	var resp struct {
		Status string       `json:"status"`
		Data   StatusReport `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, "carol", resp.Data.User)
	assert.Equal(t, 2, resp.Data.Allocatables)
	assert.NotNil(t, resp.Data.LastSynced)
}

func TestStatus_BadPassword(t *testing.T) {
	connect := startServer(t)
	t.Setenv("SCHEDULA_PASSWORD", "wrong")

	_, err := run(t, connect, "status")
	require.Error(t, err)
	assert.Equal(t, ExitAuthError, GetExitCode(err))
}

func TestReservations(t *testing.T) {
	connect := startServer(t)

	out, err := run(t, connect, "reservations", "--allocatable", "Room 1")
	require.NoError(t, err)
	assert.Contains(t, out, "Staff meeting")
	assert.Contains(t, out, "weekly, 4 times")
	assert.Contains(t, out, "Interview")
	assert.NotContains(t, out, "Workshop")

	out, err = run(t, connect, "reservations", "--format", "json", "--from", "2030-03-05T12:00:00Z", "--to", "2030-03-05T18:00:00Z")
	require.NoError(t, err)
	var resp struct {
		Data []ReservationRow `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	require.Len(t, resp.Data, 1)
	assert.Equal(t, "Workshop", resp.Data[0].Name)
	assert.Equal(t, []string{"Room 2"}, resp.Data[0].Allocatables)

	_, err = run(t, connect, "reservations", "--allocatable", "Room 9")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestConflicts(t *testing.T) {
	connect := startServer(t)

	out, err := run(t, connect, "conflicts")
	require.NoError(t, err)
	assert.Contains(t, out, "Room 1:")
	assert.Contains(t, out, "Staff meeting")
	assert.Contains(t, out, "Interview")

	out, err = run(t, connect, "conflicts", "--format", "json")
	require.NoError(t, err)
	var resp struct {
		Data []ConflictRow `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	require.Len(t, resp.Data, 1)
	assert.Equal(t, "Room 1", resp.Data[0].Allocatable)
}

func TestTemplates(t *testing.T) {
	connect := startServer(t)

	out, err := run(t, connect, "templates")
	require.NoError(t, err)
	assert.Contains(t, out, "Workshop series")

	out, err = run(t, connect, "templates", "--format", "json")
	require.NoError(t, err)
	var resp struct {
		Data []string `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, []string{"Workshop series"}, resp.Data)
}

func TestNextSlot(t *testing.T) {
	connect := startServer(t)

	out, err := run(t, connect, "next-slot", "--format", "json", "-a", "Room 1", "--at", "2030-03-04T09:00:00Z", "--duration", "1h")
	require.NoError(t, err)
	var resp struct {
		Data NextSlot `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	require.True(t, resp.Data.Found)
	assert.True(t, resp.Data.Start.Equal(time.Date(2030, 3, 4, 10, 30, 0, 0, time.UTC)), "start = %v", resp.Data.Start)

	_, err = run(t, connect, "next-slot", "-a", "Room 1", "--worktime", "18:00-08:00")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestExport(t *testing.T) {
	connect := startServer(t)
	path := filepath.Join(t.TempDir(), "room1.ics")

	_, err := run(t, connect, "export", "-a", "Room 1", "--output", path)
	require.NoError(t, err)

	body, err := os.ReadFile(path)
	require.NoError(t, err)
	ics := string(body)
	assert.Contains(t, ics, "BEGIN:VCALENDAR")
	assert.Contains(t, ics, "SUMMARY:Staff meeting")
	assert.Contains(t, ics, "FREQ=WEEKLY")
	assert.Equal(t, 2, strings.Count(ics, "BEGIN:VEVENT"))
}

func TestWatch_StopsAfterDuration(t *testing.T) {
	connect := startServer(t)

	out, err := run(t, connect, "watch", "--duration", "200ms", "--format", "json")
	require.NoError(t, err)

	var first WatchEvent
	line, _, _ := strings.Cut(out, "\n")
	require.NoError(t, json.Unmarshal([]byte(line), &first))
	assert.Equal(t, "connected", first.Type)
}

func TestParseDate(t *testing.T) {
	tests := []struct {
		in   string
		want time.Time
	}{
		{in: "2030-03-04T09:00:00Z", want: time.Date(2030, 3, 4, 9, 0, 0, 0, time.UTC)},
		{in: "2030-03-04 09:30", want: time.Date(2030, 3, 4, 9, 30, 0, 0, time.UTC)},
		{in: "2030-03-04", want: time.Date(2030, 3, 4, 0, 0, 0, 0, time.UTC)},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := parseDate(tt.in, testNow, time.UTC)
			require.NoError(t, err)
			assert.True(t, got.Equal(tt.want), "got %v", got)
		})
	}

	got, err := parseDate("tomorrow", testNow, time.UTC)
	require.NoError(t, err)
	assert.Equal(t, 2, got.Day())

	_, err = parseDate("zzz", testNow, time.UTC)
	assert.Error(t, err)

	_, _, err = dateRange("2030-03-05", "2030-03-04", testNow, time.UTC)
	assert.Error(t, err)
}

func TestParseWorktime(t *testing.T) {
	start, end, err := parseWorktime("08:00-18:30")
	require.NoError(t, err)
	assert.Equal(t, 480, start)
	assert.Equal(t, 1110, end)

	for _, bad := range []string{"8-18", "18:00-08:00", "00:00-25:00"} {
		_, _, err := parseWorktime(bad)
		assert.Error(t, err, bad)
	}
}
