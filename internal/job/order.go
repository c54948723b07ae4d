package job

import (
	"strings"

	"github.com/kylemclaren/taskfab/internal/model"
)

// Order sorts tasks so every producer of a product comes before its
// consumers. Ties keep declaration order. A dependency cycle is an
// InvalidRequest.
func Order(tasks []*Task) ([]*Task, error) {
	producers := make(map[string][]int)
	for i, t := range tasks {
		for _, p := range t.Outputs {
			producers[p] = append(producers[p], i)
		}
	}

	indegree := make([]int, len(tasks))
	next := make([][]int, len(tasks))
	for i, t := range tasks {
		for _, p := range t.Inputs {
			for _, from := range producers[p] {
				if from == i {
					continue
				}
				next[from] = append(next[from], i)
				indegree[i]++
			}
		}
	}

	out := make([]*Task, 0, len(tasks))
	done := make([]bool, len(tasks))
	for len(out) < len(tasks) {
		picked := -1
		for i := range tasks {
			if !done[i] && indegree[i] == 0 {
				picked = i
				break
			}
		}
		if picked < 0 {
			var stuck []string
			for i, t := range tasks {
				if !done[i] {
					stuck = append(stuck, t.Name)
				}
			}
			return nil, model.InvalidRequest("tasks %s depend on each other", strings.Join(stuck, ", "))
		}
		done[picked] = true
		out = append(out, tasks[picked])
		for _, n := range next[picked] {
			indegree[n]--
		}
	}
	return out, nil
}
