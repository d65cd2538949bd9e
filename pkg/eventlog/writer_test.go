package eventlog

import (
	"os"
	"testing"

	"chatpilot/pkg/proto"
)

func testAddr(correspondent string) proto.Address {
	return proto.Address{TenantID: "acme", InstanceID: "inst-1", CorrespondentID: correspondent}
}

func TestNewWriter(t *testing.T) {
	tmpDir := t.TempDir()

	writer, err := NewWriter(tmpDir, 24)
	if err != nil {
		t.Fatalf("Failed to create writer: %v", err)
	}
	defer writer.Close()

	currentFile := writer.GetCurrentLogFile()
	if currentFile == "" {
		t.Error("No current log file set")
	}

	if _, err := os.Stat(currentFile); os.IsNotExist(err) {
		t.Error("Current log file does not exist")
	}
}

func TestWriteMessage(t *testing.T) {
	tmpDir := t.TempDir()

	writer, err := NewWriter(tmpDir, 24)
	if err != nil {
		t.Fatalf("Failed to create writer: %v", err)
	}
	defer writer.Close()

	msg := proto.NewTextMsg(testAddr("5511999998888"), "hello")
	msg.SetMetadata(proto.KeyTransportMsgID, "wamid.123")

	if err := writer.WriteMessage(msg); err != nil {
		t.Fatalf("Failed to write message: %v", err)
	}

	data, err := os.ReadFile(writer.GetCurrentLogFile())
	if err != nil {
		t.Fatalf("Failed to read log file: %v", err)
	}

	if len(data) == 0 {
		t.Error("Log file is empty")
	}
	if data[len(data)-1] != '\n' {
		t.Error("Log line should end with newline")
	}
}

func TestWriteAndReadBackMessages(t *testing.T) {
	tmpDir := t.TempDir()

	writer, err := NewWriter(tmpDir, 24)
	if err != nil {
		t.Fatalf("Failed to create writer: %v", err)
	}
	defer writer.Close()

	messages := []*proto.ChatMsg{
		proto.NewChatMsg(proto.MsgTypeINBOUND, testAddr("5511999998888")),
		proto.NewTextMsg(testAddr("5511999998888"), "Please choose an option"),
		proto.NewChatMsg(proto.MsgTypeSTATUS, testAddr("")),
	}
	messages[2].SetPayload(proto.KeyStatus, "connected")

	for i, msg := range messages {
		if err := writer.WriteMessage(msg); err != nil {
			t.Fatalf("Failed to write message %d: %v", i, err)
		}
	}

	readBack, err := ReadMessages(writer.GetCurrentLogFile())
	if err != nil {
		t.Fatalf("Failed to read messages: %v", err)
	}

	if len(readBack) != len(messages) {
		t.Fatalf("Expected %d messages, got %d", len(messages), len(readBack))
	}
	for i := range messages {
		if readBack[i].ID != messages[i].ID {
			t.Errorf("Message %d: expected ID %s, got %s", i, messages[i].ID, readBack[i].ID)
		}
		if readBack[i].Type != messages[i].Type {
			t.Errorf("Message %d: expected type %s, got %s", i, messages[i].Type, readBack[i].Type)
		}
	}

	if readBack[1].GetText() != "Please choose an option" {
		t.Errorf("Expected text payload to survive, got %q", readBack[1].GetText())
	}
}

func TestReadMessagesEmptyFile(t *testing.T) {
	tmpDir := t.TempDir()

	writer, err := NewWriter(tmpDir, 24)
	if err != nil {
		t.Fatalf("Failed to create writer: %v", err)
	}
	defer writer.Close()

	messages, err := ReadMessages(writer.GetCurrentLogFile())
	if err != nil {
		t.Fatalf("Failed to read empty log: %v", err)
	}
	if len(messages) != 0 {
		t.Errorf("Expected no messages, got %d", len(messages))
	}
}

func TestListLogFiles(t *testing.T) {
	tmpDir := t.TempDir()

	writer, err := NewWriter(tmpDir, 24)
	if err != nil {
		t.Fatalf("Failed to create writer: %v", err)
	}
	defer writer.Close()

	files, err := ListLogFiles(tmpDir)
	if err != nil {
		t.Fatalf("Failed to list log files: %v", err)
	}
	if len(files) != 1 {
		t.Errorf("Expected 1 log file, got %d", len(files))
	}
}
