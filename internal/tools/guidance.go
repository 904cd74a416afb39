package tools

// guidanceFileName is the workflow guide init_project writes into a
// workspace.
const guidanceFileName = "PARALLEL_WORK.md"

const guidanceContent = `# Parallel Work

This workspace is set up for parallel task execution. Coding tasks run as
background agents inside isolated sandboxes; their changes come back as
patches you review before anything touches this tree.

## Workflow

1. Describe the plan in ` + "`tasks.json`" + ` (shape below). Each task has an id,
   a title, a status, a priority, and the ids of tasks it depends on.
2. ` + "`get_next_tasks`" + ` lists tasks whose prerequisites are done, highest
   priority first.
3. ` + "`task_worker`" + ` starts an agent on a task. Independent tasks can run
   concurrently; each gets its own sandbox.
4. ` + "`work_status`" + ` polls a job. A job in ` + "`needs_input`" + ` is waiting for
   ` + "`answer_worker_question`" + `.
5. ` + "`review_changes`" + ` shows the resulting patch. Apply it with
   ` + "`apply_changes`" + `, reject it with ` + "`reject_changes`" + `, or iterate with
   ` + "`request_revision`" + `.
6. ` + "`set_task_status`" + ` records progress in the manifest. A task can only
   move to in-progress when every prerequisite is done.

## tasks.json shape

` + "```json" + `
{
  "tasks": [
    {
      "id": "1",
      "title": "Example task",
      "description": "One line summary",
      "details": "Implementation instructions for the agent",
      "testStrategy": "How to verify the result",
      "status": "pending",
      "priority": "high",
      "dependencies": []
    }
  ]
}
` + "```" + `

Statuses: pending, in-progress, done, failed. Priorities: high, medium, low.
Run ` + "`validate_tasks`" + ` after editing the manifest by hand.
`

// starterManifest seeds an empty but valid tasks.json.
const starterManifest = `{
  "tasks": []
}
`
