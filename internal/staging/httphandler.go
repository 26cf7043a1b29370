package staging

import (
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"
)

type httpRespWriter struct {
	http.ResponseWriter
	logger *zap.Logger
}

func newHTTPRespWriter(logger *zap.Logger, resp http.ResponseWriter) *httpRespWriter {
	return &httpRespWriter{
		ResponseWriter: resp,
		logger:         logger,
	}
}

// WriteStr writes a string to the http response writer.
// If an error happens, it is logged with info priority and false is returned.
func (rw *httpRespWriter) WriteStr(str string) (wasSuccessful bool) {
	_, err := rw.ResponseWriter.Write([]byte(str))
	if err != nil {
		rw.logger.Info("sending http response failed", zap.Error(err))
		return false
	}

	return true
}

// HTTPHandlerList writes a plain-text listing of the merge queue: the
// active stagings per target branch, the pending splits and all tracked
// open pull requests.
func (s *Service) HTTPHandlerList(respWr http.ResponseWriter, _ *http.Request) {
	var result strings.Builder

	resp := newHTTPRespWriter(s.logger, respWr)
	resp.Header().Add("Content-Type", "text/plain")

	tx := s.store.Begin()
	defer tx.Commit()

	for _, target := range s.project.Branches {
		result.WriteString(fmt.Sprintf("Target: %s\n", target))

		if staging := tx.ActiveStaging(target); staging != nil {
			result.WriteString(fmt.Sprintf(
				"\tstaging %d\t%s\tsince: %s\tbatches: %d\n",
				staging.ID, staging.State,
				staging.StagedAt.Format(time.RFC822), len(staging.Batches),
			))
		}

		for _, split := range tx.PendingSplits(target) {
			result.WriteString(fmt.Sprintf(
				"\tsplit %d\tbatches: %d\n", split.ID, len(split.Batches),
			))
		}

		var prs []*PullRequest
		tx.EachPR(func(pr *PullRequest) bool {
			if pr.Target == target && pr.Active() {
				prs = append(prs, pr)
			}

			return true
		})

		sort.Slice(prs, func(i, j int) bool { return prs[i].ID < prs[j].ID })

		for _, pr := range prs {
			line := fmt.Sprintf("\tPR: %-30s\t%s", pr.Ref(), pr.State)
			if pr.Blocked != "" {
				line += "\tblocked: " + pr.Blocked
			}

			result.WriteString(line + "\n")
		}
	}

	if result.Len() == 0 {
		resp.WriteStr("no branches configured\n")
		return
	}

	resp.WriteStr(result.String())
}
