// Package handlers exposes the HTTP surface: webhook intake per platform,
// the dashboard conversation API, and the realtime websocket endpoint.
package handlers
