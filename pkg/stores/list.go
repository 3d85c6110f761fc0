package stores

import (
	"encoding/base64"
	"strconv"

	"github.com/theapemachine/agentwire/pkg/a2a"
	"github.com/theapemachine/agentwire/pkg/errors"
)

const (
	defaultPageSize = 50
	maxPageSize     = 200
)

// MatchesFilter applies every TaskListParams criterion except pagination.
func MatchesFilter(task *a2a.Task, params a2a.TaskListParams) bool {
	if params.ContextID != "" && task.ContextID != params.ContextID {
		return false
	}

	if len(params.States) > 0 {
		found := false
		for _, state := range params.States {
			if task.Status.State == state {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}

	if params.LastUpdatedAfter != nil && !task.UpdatedAt.After(*params.LastUpdatedAfter) {
		return false
	}

	return true
}

/*
Paginate slices a filtered result set into one page.  The page token is an
opaque server-minted offset; clients must treat it as a black box, and a
token that fails to decode is an INVALID_PARAMS error rather than an empty
page.
*/
func Paginate(matches []a2a.Task, pageSize int, pageToken string) (*a2a.TaskList, *errors.RpcError) {
	if pageSize <= 0 {
		pageSize = defaultPageSize
	}
	if pageSize > maxPageSize {
		pageSize = maxPageSize
	}

	offset := 0
	if pageToken != "" {
		decoded, err := decodePageToken(pageToken)
		if err != nil {
			return nil, errors.ErrInvalidParams.WithMessagef("malformed page token")
		}
		offset = decoded
	}

	total := len(matches)
	if offset > total {
		offset = total
	}

	end := offset + pageSize
	nextToken := ""
	if end < total {
		nextToken = encodePageToken(end)
	} else {
		end = total
	}

	return &a2a.TaskList{
		Tasks:         matches[offset:end],
		NextPageToken: nextToken,
		TotalSize:     total,
	}, nil
}

func encodePageToken(offset int) string {
	return base64.RawURLEncoding.EncodeToString([]byte(strconv.Itoa(offset)))
}

func decodePageToken(token string) (int, error) {
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return 0, err
	}

	offset, err := strconv.Atoi(string(raw))
	if err != nil || offset < 0 {
		return 0, strconv.ErrSyntax
	}

	return offset, nil
}
