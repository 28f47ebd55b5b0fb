package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/viper"
)

var httpClient = &http.Client{Timeout: 10 * time.Second}

func baseAddr() string {
	return strings.TrimRight(viper.GetString("addr"), "/")
}

// wsURL converts the observer HTTP address to the websocket endpoint.
func wsURL() string {
	addr := baseAddr()
	addr = strings.Replace(addr, "https://", "wss://", 1)
	addr = strings.Replace(addr, "http://", "ws://", 1)
	return addr + "/ws"
}

func getJSON(path string, dst interface{}) error {
	resp, err := httpClient.Get(baseAddr() + path)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return httpError(resp)
	}
	return json.NewDecoder(resp.Body).Decode(dst)
}

func postJSON(path string, body interface{}) error {
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}

	resp, err := httpClient.Post(baseAddr()+path, "application/json", bytes.NewReader(data))
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return httpError(resp)
	}
	return nil
}

func httpError(resp *http.Response) error {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	var payload struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(data, &payload) == nil && payload.Error != "" {
		return fmt.Errorf("%s", payload.Error)
	}
	return fmt.Errorf("unexpected status %d", resp.StatusCode)
}
