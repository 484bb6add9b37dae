package tools

import "time"

// Tool names of the default set.
const (
	ReadFile         = "read_file"
	WriteFile        = "write_file"
	ListFiles        = "list_files"
	EditFile         = "edit_file"
	CreateFolder     = "create_folder"
	DeleteFile       = "delete_file"
	RenameFile       = "rename_file"
	SearchInFiles    = "search_in_files"
	ProjectStructure = "get_current_project_structure"
	ExecuteShell     = "execute_shell"
	SemanticSearch   = "workspace_semantic_search"
)

// FileTools are the workspace file tools, in registration order.
var FileTools = []string{
	ReadFile, WriteFile, ListFiles, EditFile, CreateFolder,
	DeleteFile, RenameFile, SearchInFiles, ProjectStructure,
}

// Options configures the default tool set.
type Options struct {
	// OnChange is called for every file a tool writes, renames or deletes.
	OnChange     ChangeFunc
	ShellTimeout time.Duration
	// Semantic backs workspace_semantic_search. The tool is not registered when nil.
	Semantic SemanticSearchFunc
}

// RegisterDefaults registers the file tools, the shell tool and, when a
// semantic search function is given, workspace_semantic_search.
func RegisterDefaults(r *Registry, opts Options) error {
	env := fileEnv{onChange: opts.OnChange}
	all := []Tool{
		readFileTool{},
		writeFileTool{env},
		listFilesTool{},
		editFileTool{env},
		createFolderTool{},
		deleteFileTool{env},
		renameFileTool{env},
		searchInFilesTool{},
		projectStructureTool{},
		shellTool{timeout: opts.ShellTimeout},
	}
	if opts.Semantic != nil {
		all = append(all, semanticSearchTool{search: opts.Semantic})
	}
	for _, t := range all {
		if err := r.Register(t); err != nil {
			return err
		}
	}
	return nil
}
