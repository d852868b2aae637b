package mcp

import (
	"context"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/joescharf/serialmon/internal/device"
)

const deviceURLDesc = "Board address, e.g. http://192.168.4.1. Defaults to the configured device.url."

// deviceClient resolves the board for a request from its url argument or
// the configured default.
func (s *Server) deviceClient(request mcp.CallToolRequest) (*device.Client, *mcp.CallToolResult) {
	url := request.GetString("url", s.deviceURL)
	if url == "" {
		return nil, mcp.NewToolResultError("no device url: pass url or set device.url in the config")
	}
	c, err := device.NewClient(url, s.deviceTimeout)
	if err != nil {
		return nil, mcp.NewToolResultError(err.Error())
	}
	return c, nil
}

func deviceError(op string, c *device.Client, err error) *mcp.CallToolResult {
	return mcp.NewToolResultError(fmt.Sprintf("%s on %s: %v", op, c.BaseURL(), err))
}

// device_info
func (s *Server) deviceInfoTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("device_info",
		mcp.WithDescription("Fetch chip model, memory, flash usage, MAC address and uptime from a board running the HTTP management API."),
		mcp.WithString("url", mcp.Description(deviceURLDesc)),
	)
	return tool, s.handleDeviceInfo
}

func (s *Server) handleDeviceInfo(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	c, errRes := s.deviceClient(request)
	if errRes != nil {
		return errRes, nil
	}
	info, err := c.Info(ctx)
	if err != nil {
		return deviceError("device info", c, err), nil
	}
	return jsonResult(info)
}

// device_restart
func (s *Server) deviceRestartTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("device_restart",
		mcp.WithDescription("Restart a board over HTTP. Pair with serial_wait_for to watch it boot."),
		mcp.WithString("url", mcp.Description(deviceURLDesc)),
	)
	return tool, s.handleDeviceRestart
}

func (s *Server) handleDeviceRestart(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	c, errRes := s.deviceClient(request)
	if errRes != nil {
		return errRes, nil
	}
	msg, err := c.Restart(ctx)
	if err != nil {
		return deviceError("restart", c, err), nil
	}
	return jsonResult(map[string]any{"ok": true, "message": msg})
}

// device_spiffs_list
func (s *Server) spiffsListTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("device_spiffs_list",
		mcp.WithDescription("List files in the board's SPIFFS filesystem."),
		mcp.WithString("url", mcp.Description(deviceURLDesc)),
		mcp.WithString("path", mcp.Description("Directory, default /")),
	)
	return tool, s.handleSpiffsList
}

func (s *Server) handleSpiffsList(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	c, errRes := s.deviceClient(request)
	if errRes != nil {
		return errRes, nil
	}
	l, err := c.List(ctx, request.GetString("path", "/"))
	if err != nil {
		return deviceError("list", c, err), nil
	}
	return jsonResult(l)
}

// device_spiffs_read
func (s *Server) spiffsReadTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("device_spiffs_read",
		mcp.WithDescription("Read a file from the board's SPIFFS filesystem."),
		mcp.WithString("url", mcp.Description(deviceURLDesc)),
		mcp.WithString("path", mcp.Required(), mcp.Description("File path, e.g. /config.json")),
	)
	return tool, s.handleSpiffsRead
}

func (s *Server) handleSpiffsRead(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	path, err := request.RequireString("path")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: path"), nil
	}
	c, errRes := s.deviceClient(request)
	if errRes != nil {
		return errRes, nil
	}
	data, err := c.Read(ctx, path)
	if err != nil {
		return deviceError("read "+path, c, err), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}

// device_spiffs_write
func (s *Server) spiffsWriteTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("device_spiffs_write",
		mcp.WithDescription("Create or replace a file in the board's SPIFFS filesystem."),
		mcp.WithString("url", mcp.Description(deviceURLDesc)),
		mcp.WithString("path", mcp.Required(), mcp.Description("File path")),
		mcp.WithString("content", mcp.Required(), mcp.Description("New file content")),
	)
	return tool, s.handleSpiffsWrite
}

func (s *Server) handleSpiffsWrite(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	path, err := request.RequireString("path")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: path"), nil
	}
	content, err := request.RequireString("content")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: content"), nil
	}
	c, errRes := s.deviceClient(request)
	if errRes != nil {
		return errRes, nil
	}
	res, err := c.Write(ctx, path, []byte(content))
	if err != nil {
		return deviceError("write "+path, c, err), nil
	}
	return jsonResult(res)
}

// device_spiffs_delete
func (s *Server) spiffsDeleteTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("device_spiffs_delete",
		mcp.WithDescription("Delete a file from the board's SPIFFS filesystem."),
		mcp.WithString("url", mcp.Description(deviceURLDesc)),
		mcp.WithString("path", mcp.Required(), mcp.Description("File path")),
	)
	return tool, s.handleSpiffsDelete
}

func (s *Server) handleSpiffsDelete(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	path, err := request.RequireString("path")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: path"), nil
	}
	c, errRes := s.deviceClient(request)
	if errRes != nil {
		return errRes, nil
	}
	if err := c.Delete(ctx, path); err != nil {
		return deviceError("delete "+path, c, err), nil
	}
	return jsonResult(map[string]any{"ok": true, "path": path})
}

// device_spiffs_info
func (s *Server) spiffsInfoTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("device_spiffs_info",
		mcp.WithDescription("Report SPIFFS total, used and free bytes."),
		mcp.WithString("url", mcp.Description(deviceURLDesc)),
	)
	return tool, s.handleSpiffsInfo
}

func (s *Server) handleSpiffsInfo(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	c, errRes := s.deviceClient(request)
	if errRes != nil {
		return errRes, nil
	}
	info, err := c.Storage(ctx)
	if err != nil {
		return deviceError("storage info", c, err), nil
	}
	return jsonResult(info)
}
