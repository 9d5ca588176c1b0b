package main

import (
	"encoding/json"
	"fmt"
	"net"
	"os"

	"github.com/mil-ad/eegmenu/internal/httpapi"
)

func ipcCall(req IPCRequest) (IPCResponse, error) {
	return ipcCallAt(socketPath(), req)
}

func ipcCallAt(sock string, req IPCRequest) (IPCResponse, error) {
	conn, err := net.Dial("unix", sock)
	if err != nil {
		return IPCResponse{}, fmt.Errorf("connect to daemon: %w (is `eegmenu daemon` running?)", err)
	}
	defer conn.Close()

	if err := json.NewEncoder(conn).Encode(req); err != nil {
		return IPCResponse{}, fmt.Errorf("send request: %w", err)
	}

	var resp IPCResponse
	if err := json.NewDecoder(conn).Decode(&resp); err != nil {
		return IPCResponse{}, fmt.Errorf("read response: %w", err)
	}
	return resp, nil
}

// runCommand sends one request and prints the resulting view.
func runCommand(req IPCRequest) error {
	resp, err := ipcCall(req)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(os.Stdout).Encode(resp); err != nil {
		return err
	}
	if resp.Error != "" {
		return fmt.Errorf("%s", resp.Error)
	}
	return nil
}

// socketClient adapts the IPC protocol to the board's client interface.
type socketClient struct {
	sock string
}

func (c socketClient) call(req IPCRequest) (httpapi.View, error) {
	resp, err := ipcCallAt(c.sock, req)
	if err != nil {
		return httpapi.View{}, err
	}
	if resp.Error != "" {
		return resp.View, fmt.Errorf("%s", resp.Error)
	}
	return resp.View, nil
}

func (c socketClient) View() (httpapi.View, error) {
	return c.call(IPCRequest{Command: "status"})
}

func (c socketClient) Connect() (httpapi.View, error) {
	return c.call(IPCRequest{Command: "connect"})
}

func (c socketClient) Disconnect() (httpapi.View, error) {
	return c.call(IPCRequest{Command: "disconnect"})
}

func (c socketClient) Tap(optionID string) (httpapi.View, error) {
	return c.call(IPCRequest{Command: "tap", Option: optionID})
}
