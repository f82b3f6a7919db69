package main

import (
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/roelfdiedericks/tabmux/internal/config"
)

type statusCmd struct{}

func (statusCmd) Run(cfg *config.Config) error {
	url := fmt.Sprintf("http://%s/status", cfg.Addr())
	client := &http.Client{Timeout: 3 * time.Second}
	resp, err := client.Get(url)
	if err != nil {
		return fmt.Errorf("no leader reachable at %s (is tabmux running?): %w", cfg.Addr(), err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("status endpoint returned %s", resp.Status)
	}
	_, err = io.Copy(os.Stdout, resp.Body)
	fmt.Println()
	return err
}
