package ghapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
)

// InstallIDForRepo returns the GitHub App installation ID for a given
// repository. client must authenticate as the app.
func InstallIDForRepo(
	ctx context.Context,
	client *http.Client,
	owner, repo string,
) (int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		"https://api.github.com/repos/"+owner+"/"+repo+"/installation", nil,
	)
	if err != nil {
		return 0, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("installation lookup: status %d", resp.StatusCode)
	}

	var data struct {
		ID int64 `json:"id"`
	}

	err = json.NewDecoder(resp.Body).Decode(&data)
	if err != nil {
		return 0, err
	}

	return data.ID, nil
}
