package auth

// Action names an operation guarded by the policy engine.
type Action string

const (
	ActionHospitalManage Action = "hospital.manage"
	ActionHospitalRead   Action = "hospital.read"
	ActionPatientRead    Action = "patient.read"
	ActionPatientWrite   Action = "patient.write"
	ActionCellTestRead   Action = "celltest.read"
	ActionCellTestWrite  Action = "celltest.write"
	ActionIngestionRun   Action = "ingestion.run"
	ActionIdentityTenant Action = "identity.tenant"
	ActionEventsWatch    Action = "events.watch"
)

var actionPolicy = map[Action]Requirement{
	ActionHospitalManage: {MinRole: RoleSuperAdmin},
	ActionHospitalRead:   {MinRole: RoleMember, AllowMembers: true},
	ActionPatientRead:    {MinRole: RoleMember, AllowMembers: true},
	ActionPatientWrite:   {MinRole: RoleTenantAdmin},
	ActionCellTestRead:   {MinRole: RoleMember, AllowMembers: true},
	ActionCellTestWrite:  {MinRole: RoleTenantAdmin},
	ActionIngestionRun:   {MinRole: RoleTenantAdmin},
	ActionIdentityTenant: {MinRole: RoleTenantAdmin},
	ActionEventsWatch:    {MinRole: RoleMember, AllowMembers: true},
}

// RequirementFor returns the requirement for action on a resource owned by
// tenant. Unknown actions require a superadmin.
func RequirementFor(action Action, tenant string) Requirement {
	req, ok := actionPolicy[action]
	if !ok {
		req = Requirement{MinRole: RoleSuperAdmin}
	}
	req.Tenant = tenant
	return req
}

// Can is shorthand for Authorize(c, RequirementFor(action, tenant)).
func Can(c *Claims, action Action, tenant string) Decision {
	return Authorize(c, RequirementFor(action, tenant))
}
