package testutil_test

import (
	"context"
	"errors"
	"testing"

	"github.com/forgecode/forge/internal/core"
	"github.com/forgecode/forge/internal/testutil"
)

func TestMockLLMClient_Complete_Echo(t *testing.T) {
	mock := testutil.NewMockLLMClient()

	out, err := mock.Complete(context.Background(), core.LLMRequest{
		Messages: []core.ConversationMessage{{Role: core.RoleUser, Content: "hello"}},
	})

	testutil.AssertNoError(t, err)
	testutil.AssertEqual(t, out, "echo: hello")
	testutil.AssertLen(t, mock.Calls(), 1)
}

func TestMockLLMClient_WithCompleteResponse(t *testing.T) {
	mock := testutil.NewMockLLMClient().WithCompleteResponse("fixed")

	out, err := mock.Complete(context.Background(), core.LLMRequest{})
	testutil.AssertNoError(t, err)
	testutil.AssertEqual(t, out, "fixed")
}

func TestMockLLMClient_WithCompleteError(t *testing.T) {
	wantErr := errors.New("boom")
	mock := testutil.NewMockLLMClient().WithCompleteError(wantErr)

	_, err := mock.Complete(context.Background(), core.LLMRequest{})
	testutil.AssertError(t, err)
}

func TestMockLLMClient_Complete_CancelledContext(t *testing.T) {
	mock := testutil.NewMockLLMClient()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := mock.Complete(ctx, core.LLMRequest{})
	testutil.AssertError(t, err)
}

func TestMockLLMClient_Stream(t *testing.T) {
	mock := testutil.NewMockLLMClient().WithStreamChunks("a", "b", "c")

	var got []string
	out, err := mock.Stream(context.Background(), core.LLMRequest{}, func(c core.LLMChunk) {
		if !c.Done {
			got = append(got, c.Text)
		}
	})

	testutil.AssertNoError(t, err)
	testutil.AssertEqual(t, out, "abc")
	testutil.AssertLen(t, got, 3)
}

func TestFakeSandbox_WriteReadFile(t *testing.T) {
	sb := testutil.NewFakeSandbox()
	ctx := context.Background()

	testutil.AssertNoError(t, sb.WriteFile(ctx, "app/main.go", []byte("package main")))
	data, err := sb.ReadFile(ctx, "app/main.go")
	testutil.AssertNoError(t, err)
	testutil.AssertEqual(t, string(data), "package main")
}

func TestFakeSandbox_ReadFile_GuardsTraversal(t *testing.T) {
	sb := testutil.NewFakeSandbox()
	_, err := sb.ReadFile(context.Background(), "../etc/passwd")
	testutil.AssertError(t, err)
}

func TestFakeSandbox_Exec_RecordsLog(t *testing.T) {
	sb := testutil.NewFakeSandbox()
	_, err := sb.Exec(context.Background(), []string{"npm", "install"}, core.ExecOptions{})
	testutil.AssertNoError(t, err)
	testutil.AssertLen(t, sb.ExecLog(), 1)
}

func TestFakeSandbox_WithExecFunc(t *testing.T) {
	sb := testutil.NewFakeSandbox().WithExecFunc(func(cmd []string, _ core.ExecOptions) (core.ExecResult, error) {
		return core.ExecResult{ExitCode: 1, Stderr: "failed"}, nil
	})

	res, err := sb.Exec(context.Background(), []string{"false"}, core.ExecOptions{})
	testutil.AssertNoError(t, err)
	testutil.AssertEqual(t, res.ExitCode, 1)
}

func TestFakeSandbox_ProcessLifecycle(t *testing.T) {
	sb := testutil.NewFakeSandbox()
	id, err := sb.StartProcess(context.Background(), []string{"node", "server.js"}, core.ExecOptions{})
	testutil.AssertNoError(t, err)

	info, ok := sb.GetProcess(id)
	testutil.AssertTrue(t, ok, "process should exist")
	testutil.AssertTrue(t, info.Running, "process should be running")

	testutil.AssertNoError(t, sb.KillProcess(id))
	info, _ = sb.GetProcess(id)
	testutil.AssertFalse(t, info.Running, "process should be stopped")
}

func TestFakeSandbox_Deploy_WritesFiles(t *testing.T) {
	sb := testutil.NewFakeSandbox()
	meta, err := sb.Deploy(context.Background(), []core.FileState{
		{Path: "index.html", Contents: "<html></html>"},
	}, core.SandboxInstanceMetadata{})

	testutil.AssertNoError(t, err)
	testutil.AssertContains(t, meta.PreviewURL, "http://")

	data, err := sb.ReadFile(context.Background(), "index.html")
	testutil.AssertNoError(t, err)
	testutil.AssertEqual(t, string(data), "<html></html>")
}

func TestFakeBroadcaster_BroadcastAndSend(t *testing.T) {
	b := testutil.NewFakeBroadcaster("conn-1")

	testutil.AssertNoError(t, b.Broadcast(context.Background(), core.MsgPhaseGenerating, "payload"))
	testutil.AssertNoError(t, b.Send(context.Background(), "conn-1", core.MsgFileGenerated, "payload"))

	testutil.AssertLen(t, b.Connections(), 1)
	testutil.AssertLen(t, b.Types(), 2)
}

func TestFakeBroadcaster_Send_UnknownConnection(t *testing.T) {
	b := testutil.NewFakeBroadcaster()
	err := b.Send(context.Background(), "missing", core.MsgError, nil)
	testutil.AssertError(t, err)
}

func TestFakeBroadcaster_Close(t *testing.T) {
	b := testutil.NewFakeBroadcaster("conn-1")
	testutil.AssertNoError(t, b.Close("conn-1"))
	testutil.AssertLen(t, b.Connections(), 0)
}

func TestFakeScreenshotProvider_Capture(t *testing.T) {
	p := &testutil.FakeScreenshotProvider{}
	r, err := p.Capture(context.Background(), "http://preview.local", 800, 600)
	testutil.AssertNoError(t, err)
	if r == nil {
		t.Fatal("expected a non-nil reader")
	}
}

func TestFakeScreenshotProvider_CaptureError(t *testing.T) {
	wantErr := errors.New("render failed")
	p := &testutil.FakeScreenshotProvider{Err: wantErr}
	_, err := p.Capture(context.Background(), "http://preview.local", 800, 600)
	testutil.AssertError(t, err)
}

func TestFakeAppService_SaveAndGet(t *testing.T) {
	apps := testutil.NewFakeAppService()
	ctx := context.Background()

	testutil.AssertNoError(t, apps.SaveApp(ctx, core.AppRecord{AgentID: "agent-1", ProjectName: "demo"}))

	rec, err := apps.GetApp(ctx, "agent-1")
	testutil.AssertNoError(t, err)
	testutil.AssertEqual(t, rec.ProjectName, "demo")
}

func TestFakeAppService_GetApp_NotFound(t *testing.T) {
	apps := testutil.NewFakeAppService()
	_, err := apps.GetApp(context.Background(), "missing")
	testutil.AssertError(t, err)
}

func TestFakeAppService_UpdateAppScreenshot(t *testing.T) {
	apps := testutil.NewFakeAppService()
	ctx := context.Background()
	testutil.AssertNoError(t, apps.SaveApp(ctx, core.AppRecord{AgentID: "agent-1"}))
	testutil.AssertNoError(t, apps.UpdateAppScreenshot(ctx, "agent-1", "file:///tmp/x.png"))

	rec, err := apps.GetApp(ctx, "agent-1")
	testutil.AssertNoError(t, err)
	testutil.AssertEqual(t, rec.ScreenshotURL, "file:///tmp/x.png")
}
